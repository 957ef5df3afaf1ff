package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestRunExperimentSequentialOrder(t *testing.T) {
	var executed []string
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		executed = append(executed, probeText)
		return "Scroll saved to /tmp/ok with flare mapping", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())

	experiment, err := orch.RunExperiment(context.Background(), "h", "conflict_stress", 3, true)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(experiment.Probes) != 4 {
		t.Fatalf("expected 4 results, got %d", len(experiment.Probes))
	}
	if len(executed) != 4 {
		t.Fatalf("adapter called %d times, want 4", len(executed))
	}
	for i, result := range experiment.Probes {
		if executed[i] != result.ProbeText {
			t.Fatalf("probe %d executed out of order", i)
		}
	}
	if experiment.ControlProbe == nil || !experiment.ControlProbe.IsControl {
		t.Fatalf("control probe missing from results")
	}
	if !experiment.Probes[len(experiment.Probes)-1].IsControl {
		t.Fatalf("control probe must run last")
	}
}

func TestRunExperimentStableOutcome(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		return "Scroll saved to /data/out.json\nATG16L1 mapping resolved", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())

	experiment, err := orch.RunExperiment(context.Background(), "h", "conflict_stress", 2, false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	for _, result := range experiment.Probes {
		if result.OutcomeType != OutcomeStableExecution || result.OutcomeConfidence != 0.90 {
			t.Fatalf("outcome = (%s, %.2f), want (stable_execution, 0.90)", result.OutcomeType, result.OutcomeConfidence)
		}
	}
	if got := experiment.AggregateStats["stability_score"]; got != 1.0 {
		t.Fatalf("stability_score = %v", got)
	}
}

func TestRunExperimentRecoversAdapterFailure(t *testing.T) {
	calls := 0
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		calls++
		if calls == 2 {
			return "", errors.New("dial tcp: connection refused")
		}
		return "Scroll saved to /tmp/ok with flare mapping", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())

	experiment, err := orch.RunExperiment(context.Background(), "h", "conflict_stress", 3, false)
	if err != nil {
		t.Fatalf("suite must survive a mid-run adapter failure: %v", err)
	}
	if len(experiment.Probes) != 3 {
		t.Fatalf("expected 3 results, got %d", len(experiment.Probes))
	}

	failed := experiment.Probes[1]
	if failed.OutcomeType != OutcomeInfrastructureFailure || failed.OutcomeConfidence != 0.95 {
		t.Fatalf("failed probe outcome = (%s, %.2f)", failed.OutcomeType, failed.OutcomeConfidence)
	}
	if !strings.Contains(failed.RawOutput, "Failed to reach reasoning subject") {
		t.Fatalf("degraded log missing failure marker: %q", failed.RawOutput)
	}
	for _, i := range []int{0, 2} {
		if experiment.Probes[i].OutcomeType != OutcomeStableExecution {
			t.Fatalf("probe %d outcome = %s, want stable_execution", i, experiment.Probes[i].OutcomeType)
		}
	}
}

func TestRunExperimentNegativeCount(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		t.Fatalf("adapter must not run for invalid input")
		return "", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())
	if _, err := orch.RunExperiment(context.Background(), "h", "conflict_stress", -2, false); err == nil {
		t.Fatalf("expected error for negative probe count")
	}
}

func TestRunExperimentEmptySuite(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		return "ok", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())

	experiment, err := orch.RunExperiment(context.Background(), "h", "conflict_stress", 0, false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(experiment.Probes) != 0 {
		t.Fatalf("expected no results, got %d", len(experiment.Probes))
	}
	if len(experiment.AggregateStats) != 0 {
		t.Fatalf("expected empty aggregate stats, got %v", experiment.AggregateStats)
	}
	if experiment.DeltaVsControl["available"] != false {
		t.Fatalf("delta = %v", experiment.DeltaVsControl)
	}
}

func TestRunExperimentObserver(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		return "done", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())

	var seen []string
	observe := func(index, total int, result ProbeResult) {
		seen = append(seen, fmt.Sprintf("%d/%d:%s", index, total, result.ProbeID))
	}
	experiment, err := orch.RunExperimentObserved(context.Background(), "h", "ambiguity_stress", 2, true, observe)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(seen) != len(experiment.Probes) {
		t.Fatalf("observer fired %d times for %d probes", len(seen), len(experiment.Probes))
	}
	for i, result := range experiment.Probes {
		want := fmt.Sprintf("%d/%d:%s", i, len(experiment.Probes), result.ProbeID)
		if seen[i] != want {
			t.Fatalf("observer call %d = %q, want %q", i, seen[i], want)
		}
	}
}

func TestNormalizedProtocolCarriedThrough(t *testing.T) {
	adapter := AdapterFunc(func(ctx context.Context, probeText string) (string, error) {
		return "done", nil
	})
	orch := NewOrchestrator(nil, adapter, discardLogger())

	experiment, err := orch.RunExperiment(context.Background(), "h", "bogus", 1, false)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if experiment.Protocol != ProtocolUnderspecificationStress {
		t.Fatalf("protocol = %s", experiment.Protocol)
	}
}
