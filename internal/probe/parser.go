package probe

import (
	"regexp"
	"strings"
)

// Termination modes recognized in raw execution logs.
const (
	TerminationSuccessfulCompletion  = "successful_completion"
	TerminationInfrastructureFailure = "infrastructure_failure"
	TerminationNoMatchHalt           = "no_match_halt"
	TerminationErrorTermination      = "error_termination"
	TerminationTimeout               = "timeout"
	TerminationNormalCompletion      = "normal_completion"
)

const rawSignalMaxLen = 50

// geneMarkers are matched case-sensitively against the raw log.
var geneMarkers = []string{"ATG16L1", "TNFSF15", "NOD2", "IL23R", "IRGM"}

var fallbackIndicators = []string{"fallback", "default", "heuristic", "no actionable", "best effort"}

var uncertaintyWords = []string{"ambiguous", "unclear", "uncertain", "may", "might", "possibly", "conflict"}

var signalLinePatterns = []struct {
	tag     string
	pattern *regexp.Regexp
}{
	{"success", regexp.MustCompile(`(?m)✓.*`)},
	{"warning", regexp.MustCompile(`(?m)⚠.*`)},
	{"error", regexp.MustCompile(`(?m)✖.*`)},
	{"action", regexp.MustCompile(`(?m)→.*`)},
}

// ParseExecutionLog extracts structured observations from one probe's raw
// execution log using fixed ordered phrase tables. The parse is pure text
// matching; no interpretation happens until classification.
func ParseExecutionLog(raw string) StructuredLogFields {
	lower := strings.ToLower(raw)

	fields := StructuredLogFields{
		TerminationMode:     terminationMode(lower),
		MappingEvidence:     mappingEvidence(raw, lower),
		FallbackUsed:        containsAny(lower, fallbackIndicators),
		HeuristicsTriggered: heuristicsTriggered(lower),
		UncertaintyMarkers:  uncertaintyMarkers(lower),
		RawSignals:          rawSignals(raw),
	}
	return fields
}

// terminationMode applies the ordered phrase checks; earlier checks win.
func terminationMode(lower string) string {
	switch {
	case strings.Contains(lower, "scroll saved to"):
		return TerminationSuccessfulCompletion
	case strings.Contains(lower, "failed to reach"),
		strings.Contains(lower, "connection") && strings.Contains(lower, "error"):
		return TerminationInfrastructureFailure
	case strings.Contains(lower, "no actionable"):
		return TerminationNoMatchHalt
	case strings.Contains(lower, "error"), strings.Contains(lower, "exception"):
		return TerminationErrorTermination
	case strings.Contains(lower, "timeout"):
		return TerminationTimeout
	default:
		return TerminationNormalCompletion
	}
}

func mappingEvidence(raw, lower string) []string {
	evidence := []string{}
	for _, marker := range geneMarkers {
		if strings.Contains(raw, marker) {
			evidence = append(evidence, "genetic_marker:"+marker)
		}
	}
	if strings.Contains(lower, "flare") {
		evidence = append(evidence, "scroll_type:flare")
	}
	if strings.Contains(lower, "coconut") || strings.Contains(lower, "mutation loop") {
		evidence = append(evidence, "simulation_target:coconut_loop")
	}
	if strings.Contains(lower, "triggering") {
		evidence = append(evidence, "cascade:triggered")
	}
	return evidence
}

func heuristicsTriggered(lower string) []string {
	heuristics := []string{}
	if strings.Contains(lower, "no actionable scroll-to-gene patterns") {
		heuristics = append(heuristics, "pattern_match_fallback")
	}
	if strings.Contains(lower, "trust score") || strings.Contains(lower, "trust_score") {
		heuristics = append(heuristics, "trust_scoring")
	}
	if strings.Contains(lower, "genetic resonance") {
		heuristics = append(heuristics, "genetic_resonance_detection")
	}
	if strings.Contains(lower, "simulation") {
		heuristics = append(heuristics, "simulation_trigger")
	}
	return heuristics
}

func uncertaintyMarkers(lower string) []string {
	markers := []string{}
	for _, word := range uncertaintyWords {
		if strings.Contains(lower, word) {
			markers = append(markers, "signal:"+word)
		}
	}
	return markers
}

// rawSignals collects marker-glyph lines, truncated to keep results compact.
func rawSignals(raw string) []string {
	signals := []string{}
	for _, entry := range signalLinePatterns {
		for _, match := range entry.pattern.FindAllString(raw, -1) {
			text := truncateRunes(strings.TrimSpace(match), rawSignalMaxLen)
			signals = append(signals, entry.tag+":"+text)
		}
	}
	return signals
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}
