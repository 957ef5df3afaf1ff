package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ExecutionAdapter is the boundary to the reasoning subject. Execute sends
// one probe text and returns the subject's raw execution log.
type ExecutionAdapter interface {
	Execute(ctx context.Context, probeText string) (string, error)
}

// AdapterFunc adapts a plain function into an ExecutionAdapter.
type AdapterFunc func(ctx context.Context, probeText string) (string, error)

func (f AdapterFunc) Execute(ctx context.Context, probeText string) (string, error) {
	return f(ctx, probeText)
}

// ProbeObserver receives each probe result as it completes. index is the
// zero-based position within the suite, total the suite size.
type ProbeObserver func(index, total int, result ProbeResult)

// Orchestrator runs full experiments: build suite, execute each probe in
// order, parse, classify, aggregate. A mutex serializes overlapping
// RunExperiment calls because the subject's log capture is not reentrant.
type Orchestrator struct {
	builder *SuiteBuilder
	adapter ExecutionAdapter
	logger  *slog.Logger

	mu sync.Mutex
}

// NewOrchestrator wires an orchestrator. A nil builder uses the embedded
// template bank; a nil logger discards nothing and defaults to slog.Default.
func NewOrchestrator(builder *SuiteBuilder, adapter ExecutionAdapter, logger *slog.Logger) *Orchestrator {
	if builder == nil {
		builder = NewSuiteBuilder(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{builder: builder, adapter: adapter, logger: logger}
}

// RunExperiment executes one experiment end to end. Probes run strictly
// sequentially; an adapter failure degrades that probe to an infrastructure
// failure log and the suite continues.
func (o *Orchestrator) RunExperiment(ctx context.Context, hypothesis, protocol string, n int, includeControl bool) (*ExperimentResults, error) {
	return o.RunExperimentObserved(ctx, hypothesis, protocol, n, includeControl, nil)
}

// RunExperimentObserved is RunExperiment with a per-probe completion hook.
func (o *Orchestrator) RunExperimentObserved(ctx context.Context, hypothesis, protocol string, n int, includeControl bool, observe ProbeObserver) (*ExperimentResults, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	suite, err := o.builder.Build(hypothesis, protocol, n, includeControl)
	if err != nil {
		return nil, fmt.Errorf("build probe suite: %w", err)
	}

	normalized := NormalizeProtocol(protocol)
	o.logger.Info("experiment started",
		"hypothesis", firstN(hypothesis, 80),
		"protocol", string(normalized),
		"probes", len(suite))

	results := make([]ProbeResult, 0, len(suite))
	var control *ProbeResult
	for i, spec := range suite {
		result := o.runProbe(ctx, spec)
		results = append(results, result)
		if result.IsControl {
			control = &results[len(results)-1]
		}
		o.logger.Info("probe completed",
			"probe_id", result.ProbeID,
			"outcome", string(result.OutcomeType),
			"confidence", result.OutcomeConfidence,
			"duration_ms", result.ExecutionTimeMS)
		if observe != nil {
			observe(i, len(suite), result)
		}
	}

	experiment := &ExperimentResults{
		Hypothesis:     hypothesis,
		Protocol:       normalized,
		ProbeCount:     n,
		IncludeControl: includeControl,
		Probes:         results,
		ControlProbe:   control,
		AggregateStats: ComputeAggregateStats(results),
		DeltaVsControl: ComputeDeltaVsControl(results, control),
	}
	o.logger.Info("experiment finished",
		"protocol", string(normalized),
		"probes", len(results))
	return experiment, nil
}

func (o *Orchestrator) runProbe(ctx context.Context, spec ProbeSpec) ProbeResult {
	start := time.Now()
	raw, err := o.adapter.Execute(ctx, spec.ProbeText)
	elapsed := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		o.logger.Warn("subject unreachable", "probe_id", spec.ProbeID, "error", err)
		raw = fmt.Sprintf("Failed to reach reasoning subject: %v", err)
	}

	fields := ParseExecutionLog(raw)
	outcome, confidence := ClassifyOutcome(fields, spec.Protocol)
	return ProbeResult{
		ProbeID:           spec.ProbeID,
		ProbeText:         spec.ProbeText,
		Protocol:          spec.Protocol,
		IsControl:         spec.IsControl,
		RawOutput:         raw,
		StructuredFields:  fields,
		OutcomeType:       outcome,
		OutcomeConfidence: confidence,
		ExecutionTimeMS:   elapsed,
	}
}

func firstN(s string, max int) string {
	if max <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
