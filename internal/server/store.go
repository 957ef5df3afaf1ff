package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

type Store interface {
	CreateExperiment(meta ExperimentMeta) error
	UpdateExperiment(id string, mutate func(*ExperimentMeta)) (ExperimentMeta, error)
	GetExperiment(id string) (ExperimentMeta, bool)
	ListExperiments(limit int) []ExperimentMeta
	ListExperimentsByCreator(creatorSub string, limit int) []ExperimentMeta
	AppendExperimentEvent(id string, stage, message string, data map[string]any) (ExperimentEvent, error)
	ListExperimentEvents(id string, sinceSeq int64) []ExperimentEvent
	AppendAudit(event AuditEvent) error
	ListAudit(limit int) []AuditEvent
	GetMetricsOverview() MetricsOverview
}

// MemoryFileStore keeps everything in memory and optionally mirrors it to a
// JSON snapshot on disk. Used for development and tests.
type MemoryFileStore struct {
	mu          sync.RWMutex
	path        string
	experiments map[string]ExperimentMeta
	events      map[string][]ExperimentEvent
	audit       []AuditEvent
	nextSeq     map[string]int64
}

func NewMemoryFileStore(path string) (*MemoryFileStore, error) {
	store := &MemoryFileStore{
		path:        path,
		experiments: map[string]ExperimentMeta{},
		events:      map[string][]ExperimentEvent{},
		audit:       []AuditEvent{},
		nextSeq:     map[string]int64{},
	}
	if strings.TrimSpace(path) == "" {
		return store, nil
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *MemoryFileStore) CreateExperiment(meta ExperimentMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.experiments[meta.ExperimentID]; exists {
		return fmt.Errorf("experiment %s already exists", meta.ExperimentID)
	}
	s.experiments[meta.ExperimentID] = meta
	if _, ok := s.events[meta.ExperimentID]; !ok {
		s.events[meta.ExperimentID] = []ExperimentEvent{}
	}
	if _, ok := s.nextSeq[meta.ExperimentID]; !ok {
		s.nextSeq[meta.ExperimentID] = 1
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) UpdateExperiment(id string, mutate func(*ExperimentMeta)) (ExperimentMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.experiments[id]
	if !ok {
		return ExperimentMeta{}, fmt.Errorf("experiment not found: %s", id)
	}
	if mutate != nil {
		mutate(&meta)
	}
	s.experiments[id] = meta
	if err := s.persistLocked(); err != nil {
		return ExperimentMeta{}, err
	}
	return meta, nil
}

func (s *MemoryFileStore) GetExperiment(id string) (ExperimentMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.experiments[id]
	return meta, ok
}

func (s *MemoryFileStore) ListExperiments(limit int) []ExperimentMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExperimentMeta, 0, len(s.experiments))
	for _, meta := range s.experiments {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) ListExperimentsByCreator(creatorSub string, limit int) []ExperimentMeta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ExperimentMeta, 0)
	for _, meta := range s.experiments {
		if meta.CreatorSub == creatorSub {
			out = append(out, meta)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) AppendExperimentEvent(id string, stage, message string, data map[string]any) (ExperimentEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[id]; !ok {
		return ExperimentEvent{}, fmt.Errorf("experiment not found: %s", id)
	}
	seq := s.nextSeq[id]
	if seq < 1 {
		seq = 1
	}
	event := ExperimentEvent{
		Seq:       seq,
		Timestamp: nowRFC3339(),
		Stage:     stage,
		Message:   message,
		Data:      cloneMap(data),
	}
	s.nextSeq[id] = seq + 1
	s.events[id] = append(s.events[id], event)
	if err := s.persistLocked(); err != nil {
		return ExperimentEvent{}, err
	}
	return event, nil
}

func (s *MemoryFileStore) ListExperimentEvents(id string, sinceSeq int64) []ExperimentEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.events[id]
	if len(events) == 0 {
		return []ExperimentEvent{}
	}
	out := make([]ExperimentEvent, 0, len(events))
	for _, event := range events {
		if event.Seq > sinceSeq {
			out = append(out, event)
		}
	}
	return out
}

func (s *MemoryFileStore) AppendAudit(event AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	s.audit = append(s.audit, event)
	if len(s.audit) > 5000 {
		s.audit = s.audit[len(s.audit)-5000:]
	}
	return s.persistLocked()
}

func (s *MemoryFileStore) ListAudit(limit int) []AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.audit) == 0 {
		return []AuditEvent{}
	}
	out := make([]AuditEvent, len(s.audit))
	copy(out, s.audit)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp > out[j].Timestamp
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (s *MemoryFileStore) GetMetricsOverview() MetricsOverview {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overview := MetricsOverview{
		GeneratedAt: nowRFC3339(),
	}
	var stabilityTotal, confidenceTotal float64
	summaryCount := 0
	for _, meta := range s.experiments {
		overview.TotalExperiments++
		switch strings.ToLower(strings.TrimSpace(meta.Status)) {
		case "running", "queued":
			overview.RunningExperiments++
		case "done":
			overview.DoneExperiments++
		case "error":
			overview.ErrorExperiments++
		}
		if meta.Results != nil {
			overview.TotalProbes += len(meta.Results.Probes)
			stabilityTotal += meta.Summary.StabilityScore
			confidenceTotal += meta.Summary.AvgConfidence
			overview.InfrastructureFailures += meta.Summary.InfrastructureFailures
			summaryCount++
		}
	}
	if summaryCount > 0 {
		overview.AverageStability = stabilityTotal / float64(summaryCount)
		overview.AverageConfidence = confidenceTotal / float64(summaryCount)
	}
	return overview
}

func (s *MemoryFileStore) load() error {
	data, err := os.ReadFile(filepath.Clean(s.path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read store snapshot: %w", err)
	}
	var snapshot storeSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode store snapshot: %w", err)
	}
	for _, meta := range snapshot.Experiments {
		s.experiments[meta.ExperimentID] = meta
	}
	for id, events := range snapshot.Events {
		s.events[id] = events
		maxSeq := int64(0)
		for _, event := range events {
			if event.Seq > maxSeq {
				maxSeq = event.Seq
			}
		}
		s.nextSeq[id] = maxSeq + 1
	}
	s.audit = snapshot.Audit
	return nil
}

func (s *MemoryFileStore) persistLocked() error {
	if strings.TrimSpace(s.path) == "" {
		return nil
	}
	experiments := make([]ExperimentMeta, 0, len(s.experiments))
	for _, meta := range s.experiments {
		experiments = append(experiments, meta)
	}
	sort.Slice(experiments, func(i, j int) bool {
		return experiments[i].CreatedAt < experiments[j].CreatedAt
	})
	snapshot := storeSnapshot{
		Experiments: experiments,
		Events:      s.events,
		Audit:       s.audit,
	}
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode store snapshot: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write store temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace store snapshot: %w", err)
	}
	return nil
}

type storeSnapshot struct {
	Experiments []ExperimentMeta             `json:"experiments"`
	Events      map[string][]ExperimentEvent `json:"events"`
	Audit       []AuditEvent                 `json:"audit"`
}

func cloneMap(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for key, value := range input {
		out[key] = value
	}
	return out
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	default:
		return 0, false
	}
}
