package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"latent-probe/internal/latent"
	"latent-probe/internal/probe"
)

var errShuttingDown = errors.New("run manager is shutting down")

type RunnerService interface {
	CreateExperiment(request ExperimentRequest, principal Principal, source string) (ExperimentMeta, error)
	PreviewSuite(request ExperimentRequest, ipHash, uaHash string) ([]probe.ProbeSpec, error)
}

type queuedExperiment struct {
	ExperimentID string
	Request      ExperimentRequest
	Creator      Principal
	CreatorType  string
	Source       string
}

// RunManager owns the experiment queue. It runs a single worker on purpose:
// the reasoning subject's output capture is shared state, so suites from
// different experiments must never interleave.
type RunManager struct {
	cfg          ServerConfig
	store        Store
	obs          *Observability
	builder      *probe.SuiteBuilder
	queue        chan queuedExperiment
	wg           sync.WaitGroup
	previewLimit *ipRateLimiter

	mu     sync.Mutex
	closed bool
}

func NewRunManager(cfg ServerConfig, store Store, obs *Observability) (*RunManager, error) {
	bank, err := probe.LoadTemplateBank(cfg.Subject.TemplateBank)
	if err != nil {
		return nil, fmt.Errorf("load template bank: %w", err)
	}
	builder := probe.NewSuiteBuilder(bank)
	queueDepth := cfg.Runner.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 16
	}
	manager := &RunManager{
		cfg:          cfg,
		store:        store,
		obs:          obs,
		builder:      builder,
		queue:        make(chan queuedExperiment, queueDepth),
		previewLimit: newIPRateLimiter(cfg.Runner.PreviewRPM),
	}
	manager.wg.Add(1)
	go func() {
		defer manager.wg.Done()
		manager.worker()
	}()
	return manager, nil
}

// Shutdown stops accepting experiments and drains the queue. Safe to call
// more than once.
func (m *RunManager) Shutdown() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *RunManager) CreateExperiment(request ExperimentRequest, principal Principal, source string) (ExperimentMeta, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ExperimentMeta{}, errShuttingDown
	}
	if err := m.normalizeRequest(&request); err != nil {
		return ExperimentMeta{}, err
	}
	experimentID, err := randomID("exp")
	if err != nil {
		return ExperimentMeta{}, err
	}
	meta := ExperimentMeta{
		ExperimentID: experimentID,
		Status:       "queued",
		Source:       source,
		CreatorType:  "admin",
		CreatorSub:   principal.Subject,
		Request:      request,
		CreatedAt:    nowRFC3339(),
	}
	if err := m.store.CreateExperiment(meta); err != nil {
		return ExperimentMeta{}, err
	}
	_, _ = m.store.AppendExperimentEvent(experimentID, "queue", "experiment queued", map[string]any{
		"source":   source,
		"protocol": request.Protocol,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp:    nowRFC3339(),
		ExperimentID: experimentID,
		ActorType:    "admin",
		ActorSub:     principal.Subject,
		Action:       "experiment.create",
		Result:       "queued",
	})
	// recheck under the lock: Shutdown may have closed the queue since the
	// fast check above
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_, _ = m.store.UpdateExperiment(experimentID, func(meta *ExperimentMeta) {
			meta.Status = "error"
			meta.Error = errShuttingDown.Error()
		})
		return ExperimentMeta{}, errShuttingDown
	}
	m.queue <- queuedExperiment{
		ExperimentID: experimentID,
		Request:      request,
		Creator:      principal,
		CreatorType:  "admin",
		Source:       source,
	}
	m.mu.Unlock()
	return meta, nil
}

// PreviewSuite builds the deterministic probe set without executing anything.
// Rate limited per client because it is unauthenticated.
func (m *RunManager) PreviewSuite(request ExperimentRequest, ipHash, uaHash string) ([]probe.ProbeSpec, error) {
	if !m.previewLimit.Allow(ipHash) {
		_ = m.store.AppendAudit(AuditEvent{
			Timestamp: nowRFC3339(),
			ActorType: "user",
			Action:    "preview.reject",
			Result:    "rate_limited",
			IPHash:    ipHash,
			UAHash:    uaHash,
		})
		return nil, errors.New("preview rate limit reached")
	}
	if err := m.normalizeRequest(&request); err != nil {
		return nil, err
	}
	suite, err := m.builder.Build(request.Hypothesis, request.Protocol, request.ProbeCount, *request.IncludeControl)
	if err != nil {
		return nil, err
	}
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp: nowRFC3339(),
		ActorType: "user",
		Action:    "preview.build",
		Result:    "ok",
		IPHash:    ipHash,
		UAHash:    uaHash,
		Detail:    request.Protocol,
	})
	return suite, nil
}

func (m *RunManager) normalizeRequest(request *ExperimentRequest) error {
	request.Hypothesis = strings.TrimSpace(request.Hypothesis)
	if request.Hypothesis == "" {
		return errors.New("hypothesis is required")
	}
	if request.ProbeCount < 0 {
		return fmt.Errorf("probe_count must be non-negative, got %d", request.ProbeCount)
	}
	if request.ProbeCount == 0 {
		request.ProbeCount = m.cfg.Runner.DefaultProbeCount
	}
	if request.ProbeCount > m.cfg.Runner.MaxProbeCount {
		request.ProbeCount = m.cfg.Runner.MaxProbeCount
	}
	if request.IncludeControl == nil {
		request.IncludeControl = ptrBool(true)
	}
	if strings.TrimSpace(request.SubjectURL) == "" {
		request.SubjectURL = m.cfg.Subject.BaseURL
	}
	if strings.TrimSpace(request.SubjectModel) == "" {
		request.SubjectModel = m.cfg.Subject.Model
	}
	if request.TimeoutSec <= 0 {
		request.TimeoutSec = m.cfg.Subject.TimeoutSec
	}
	return nil
}

func (m *RunManager) worker() {
	for queued := range m.queue {
		m.executeExperiment(queued)
	}
}

func (m *RunManager) executeExperiment(queued queuedExperiment) {
	_, _ = m.store.UpdateExperiment(queued.ExperimentID, func(meta *ExperimentMeta) {
		meta.Status = "running"
		meta.StartedAt = nowRFC3339()
	})
	_, _ = m.store.AppendExperimentEvent(queued.ExperimentID, "start", "experiment started", nil)

	timeout := time.Duration(queued.Request.TimeoutSec) * time.Second
	perSuiteTimeout := timeout * time.Duration(queued.Request.ProbeCount+1)
	ctx, cancel := context.WithTimeout(context.Background(), perSuiteTimeout)
	defer cancel()

	client := latent.NewClient(latent.Config{
		BaseURL: queued.Request.SubjectURL,
		Model:   queued.Request.SubjectModel,
		Timeout: timeout,
	})
	orchestrator := probe.NewOrchestrator(m.builder, client, nil)

	observe := func(index, total int, result probe.ProbeResult) {
		_, _ = m.store.AppendExperimentEvent(queued.ExperimentID, "probe_result", result.ProbeID, map[string]any{
			"index":       index,
			"total":       total,
			"outcome":     string(result.OutcomeType),
			"confidence":  result.OutcomeConfidence,
			"duration_ms": result.ExecutionTimeMS,
		})
		m.obs.MarkProbe(ctx, string(result.Protocol), int64(result.ExecutionTimeMS))
		m.obs.MarkOutcome(ctx, string(result.OutcomeType))
		if result.OutcomeType == probe.OutcomeInfrastructureFailure {
			m.obs.MarkSubjectFailure(ctx, "unreachable")
		}
	}

	results, err := orchestrator.RunExperimentObserved(ctx,
		queued.Request.Hypothesis, queued.Request.Protocol,
		queued.Request.ProbeCount, *queued.Request.IncludeControl, observe)
	if err != nil {
		_, _ = m.store.UpdateExperiment(queued.ExperimentID, func(meta *ExperimentMeta) {
			meta.Status = "error"
			meta.Error = err.Error()
			meta.FinishedAt = nowRFC3339()
		})
		_, _ = m.store.AppendExperimentEvent(queued.ExperimentID, "error", err.Error(), nil)
		m.obs.MarkExperiment(ctx, "error")
		return
	}

	summary := summarizeResults(results)
	_, _ = m.store.UpdateExperiment(queued.ExperimentID, func(meta *ExperimentMeta) {
		meta.Status = "done"
		meta.FinishedAt = nowRFC3339()
		meta.Results = results
		meta.Summary = summary
	})
	_, _ = m.store.AppendExperimentEvent(queued.ExperimentID, "completed", "experiment completed", map[string]any{
		"most_common_outcome": summary.MostCommonOutcome,
		"stability_score":     summary.StabilityScore,
		"divergence_score":    summary.DivergenceScore,
	})
	_ = m.store.AppendAudit(AuditEvent{
		Timestamp:    nowRFC3339(),
		ExperimentID: queued.ExperimentID,
		ActorType:    queued.CreatorType,
		ActorSub:     queued.Creator.Subject,
		Action:       "experiment.completed",
		Result:       "done",
		Detail:       fmt.Sprintf("outcome=%s stability=%.3f", summary.MostCommonOutcome, summary.StabilityScore),
	})
	m.obs.MarkExperiment(ctx, "done")
}

func randomID(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + "_" + hex.EncodeToString(b), nil
}

func ptrBool(v bool) *bool {
	return &v
}

type ipRateLimiter struct {
	mu      sync.Mutex
	rpm     int
	records map[string][]time.Time
}

func newIPRateLimiter(rpm int) *ipRateLimiter {
	if rpm <= 0 {
		rpm = 12
	}
	return &ipRateLimiter{
		rpm:     rpm,
		records: map[string][]time.Time{},
	}
}

func (l *ipRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if strings.TrimSpace(key) == "" {
		key = "unknown"
	}
	now := time.Now()
	cutoff := now.Add(-1 * time.Minute)
	items := l.records[key]
	recent := items[:0]
	for _, item := range items {
		if item.After(cutoff) {
			recent = append(recent, item)
		}
	}
	if len(recent) >= l.rpm {
		l.records[key] = recent
		return false
	}
	recent = append(recent, now)
	l.records[key] = recent
	return true
}

func hashString(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])[:16]
}
