package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"latent-probe/internal/latent"
	"latent-probe/internal/probe"
)

func main() {
	hypothesis := flag.String("hypothesis", "", "Hypothesis the probe suite tests")
	protocol := flag.String("protocol", "underspecification_stress", "Protocol: conflict_stress|underspecification_stress|ambiguity_stress|safety_boundary")
	probeCount := flag.Int("probes", 5, "Number of experimental probes")
	includeControl := flag.Bool("control", true, "Include a control probe")
	subjectURL := flag.String("subject-url", envOr("LATENT_SUBJECT_URL", "http://localhost:11434"), "Reasoning subject base URL")
	subjectModel := flag.String("subject-model", envOr("LATENT_SUBJECT_MODEL", "deepseek-r1:latest"), "Reasoning subject model name")
	timeout := flag.Duration("timeout", 120*time.Second, "Per-probe HTTP timeout")
	bankPath := flag.String("template-bank", "", "Path to custom template bank JSON (defaults to embedded bank)")
	dryRun := flag.Bool("dry-run", false, "Build and print the probe suite without executing it")
	format := flag.String("format", "text", "Output format: text|json")
	outputPath := flag.String("out", "", "Write full results JSON to this file")
	verbose := flag.Bool("verbose", false, "Log each probe as it completes")
	strict := flag.Bool("strict", false, "Exit non-zero if any probe shows constraint_violation or undefined_behavior")
	flag.Parse()

	if strings.TrimSpace(*hypothesis) == "" {
		exitWith("-hypothesis is required")
	}
	if *probeCount < 0 {
		exitWith("-probes must be non-negative")
	}

	bank, err := probe.LoadTemplateBank(*bankPath)
	if err != nil {
		exitWith("failed to load template bank: " + err.Error())
	}
	builder := probe.NewSuiteBuilder(bank)

	if *dryRun {
		suite, err := builder.Build(*hypothesis, *protocol, *probeCount, *includeControl)
		if err != nil {
			exitWith("failed to build probe suite: " + err.Error())
		}
		switch strings.ToLower(strings.TrimSpace(*format)) {
		case "json":
			printJSON(suite)
		default:
			printSuite(suite)
		}
		return
	}

	logger := slog.New(slog.DiscardHandler)
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	client := latent.NewClient(latent.Config{
		BaseURL: *subjectURL,
		Model:   *subjectModel,
		Timeout: *timeout,
	})
	orchestrator := probe.NewOrchestrator(builder, client, logger)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout*time.Duration(*probeCount+2))
	defer cancel()

	results, err := orchestrator.RunExperiment(ctx, *hypothesis, *protocol, *probeCount, *includeControl)
	if err != nil {
		exitWith("experiment failed: " + err.Error())
	}

	switch strings.ToLower(strings.TrimSpace(*format)) {
	case "json":
		printJSON(results)
	default:
		printResults(results)
	}

	if strings.TrimSpace(*outputPath) != "" {
		if err := writeResults(*outputPath, results); err != nil {
			exitWith("failed to write results: " + err.Error())
		}
	}

	if *strict && hasSevereOutcome(results) {
		os.Exit(1)
	}
}

func hasSevereOutcome(results *probe.ExperimentResults) bool {
	for _, result := range results.Probes {
		switch result.OutcomeType {
		case probe.OutcomeConstraintViolation, probe.OutcomeUndefinedBehavior:
			return true
		}
	}
	return false
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func printSuite(suite []probe.ProbeSpec) {
	fmt.Printf("Probe suite (%d probes)\n\n", len(suite))
	for _, spec := range suite {
		marker := " "
		if spec.IsControl {
			marker = "*"
		}
		fmt.Printf("%s %s [%s]\n  %s\n\n", marker, spec.ProbeID, spec.Protocol, spec.ProbeText)
	}
}

func printResults(results *probe.ExperimentResults) {
	fmt.Printf("Hypothesis: %s\n", results.Hypothesis)
	fmt.Printf("Protocol: %s\n", results.Protocol)
	fmt.Printf("Probes: %d (control=%v)\n\n", len(results.Probes), results.IncludeControl)

	for _, result := range results.Probes {
		fmt.Printf("[%s] %s confidence=%.2f (%.0fms)\n",
			strings.ToUpper(string(result.OutcomeType)), result.ProbeID,
			result.OutcomeConfidence, result.ExecutionTimeMS)
		fmt.Printf("  termination: %s\n", result.StructuredFields.TerminationMode)
		if len(result.StructuredFields.MappingEvidence) > 0 {
			fmt.Printf("  mappings: %s\n", strings.Join(result.StructuredFields.MappingEvidence, ", "))
		}
		if len(result.StructuredFields.UncertaintyMarkers) > 0 {
			fmt.Printf("  uncertainty: %s\n", strings.Join(result.StructuredFields.UncertaintyMarkers, ", "))
		}
		fmt.Println()
	}

	if len(results.AggregateStats) > 0 {
		statsJSON, _ := json.Marshal(results.AggregateStats)
		fmt.Printf("Aggregate: %s\n", statsJSON)
	}
	deltaJSON, _ := json.Marshal(results.DeltaVsControl)
	fmt.Printf("Delta vs control: %s\n", deltaJSON)
}

func printJSON(value any) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		exitWith("failed to encode JSON: " + err.Error())
	}
	fmt.Println(string(data))
}

func writeResults(path string, results *probe.ExperimentResults) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Clean(path), data, 0o644)
}

func exitWith(message string) {
	fmt.Fprintln(os.Stderr, "error:", message)
	os.Exit(2)
}
