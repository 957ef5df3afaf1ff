package probe

// Protocol is the stress category a probe suite exercises. Unrecognized
// values degrade to ProtocolUnderspecificationStress at the builder boundary.
type Protocol string

const (
	ProtocolConflictStress           Protocol = "conflict_stress"
	ProtocolUnderspecificationStress Protocol = "underspecification_stress"
	ProtocolAmbiguityStress          Protocol = "ambiguity_stress"
	ProtocolSafetyBoundary           Protocol = "safety_boundary"

	// ProtocolControl marks the single baseline probe of a suite.
	ProtocolControl Protocol = "control"
)

// NormalizeProtocol maps an arbitrary wire string onto one of the four
// experiment protocols.
func NormalizeProtocol(value string) Protocol {
	switch Protocol(value) {
	case ProtocolConflictStress, ProtocolUnderspecificationStress,
		ProtocolAmbiguityStress, ProtocolSafetyBoundary:
		return Protocol(value)
	default:
		return ProtocolUnderspecificationStress
	}
}

// OutcomeType classifies subject behavior under one probe.
type OutcomeType string

const (
	OutcomeStableExecution       OutcomeType = "stable_execution"
	OutcomeGracefulDegradation   OutcomeType = "graceful_degradation"
	OutcomeFallbackTriggered     OutcomeType = "fallback_triggered"
	OutcomeConstraintViolation   OutcomeType = "constraint_violation"
	OutcomeSafetyHalt            OutcomeType = "safety_halt"
	OutcomeUndefinedBehavior     OutcomeType = "undefined_behavior"
	OutcomeInfrastructureFailure OutcomeType = "infrastructure_failure"
)

// ProbeSpec is one generated test input. Immutable once built.
type ProbeSpec struct {
	ProbeID   string   `json:"probe_id"`
	ProbeText string   `json:"probe_text"`
	Protocol  Protocol `json:"protocol"`
	IsControl bool     `json:"is_control"`
}

// StructuredLogFields is the parsed form of one probe's raw execution log.
type StructuredLogFields struct {
	TerminationMode     string   `json:"termination_mode"`
	MappingEvidence     []string `json:"mapping_evidence"`
	FallbackUsed        bool     `json:"fallback_used"`
	HeuristicsTriggered []string `json:"heuristics_triggered"`
	UncertaintyMarkers  []string `json:"uncertainty_markers"`
	RawSignals          []string `json:"raw_signals"`
}

// ProbeResult is created exactly once per executed probe.
type ProbeResult struct {
	ProbeID           string              `json:"probe_id"`
	ProbeText         string              `json:"probe_text"`
	Protocol          Protocol            `json:"protocol"`
	IsControl         bool                `json:"is_control"`
	RawOutput         string              `json:"raw_output"`
	StructuredFields  StructuredLogFields `json:"structured_fields"`
	OutcomeType       OutcomeType         `json:"outcome_type"`
	OutcomeConfidence float64             `json:"outcome_confidence"`
	ExecutionTimeMS   float64             `json:"execution_time_ms"`
}

// ExperimentResults is assembled once, after all probes of a suite ran.
// It is the unit handed to persistence and reporting.
type ExperimentResults struct {
	Hypothesis     string         `json:"hypothesis"`
	Protocol       Protocol       `json:"protocol"`
	ProbeCount     int            `json:"probe_count"`
	IncludeControl bool           `json:"include_control"`
	Probes         []ProbeResult  `json:"probes"`
	ControlProbe   *ProbeResult   `json:"control_probe"`
	AggregateStats map[string]any `json:"aggregate_stats"`
	DeltaVsControl map[string]any `json:"delta_vs_control"`
}
