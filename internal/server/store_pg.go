package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"latent-probe/internal/probe"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) CreateExperiment(meta ExperimentMeta) error {
	req, _ := json.Marshal(meta.Request)
	summary, _ := json.Marshal(meta.Summary)
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO experiments (experiment_id,status,creator_type,creator_sub,source,request,created_at,summary)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		meta.ExperimentID, meta.Status, meta.CreatorType, meta.CreatorSub,
		meta.Source, req, meta.CreatedAt, summary)
	return err
}

func (s *PgStore) UpdateExperiment(id string, mutate func(*ExperimentMeta)) (ExperimentMeta, error) {
	tx, err := s.pool.Begin(context.Background())
	if err != nil {
		return ExperimentMeta{}, err
	}
	defer tx.Rollback(context.Background())

	row := tx.QueryRow(context.Background(),
		`SELECT experiment_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,results,summary
		 FROM experiments WHERE experiment_id=$1 FOR UPDATE`, id)
	meta, err := scanExperimentMeta(row)
	if err != nil {
		return ExperimentMeta{}, fmt.Errorf("experiment not found: %s", id)
	}
	if mutate != nil {
		mutate(&meta)
	}
	req, _ := json.Marshal(meta.Request)
	summary, _ := json.Marshal(meta.Summary)
	var resultsJSON []byte
	if meta.Results != nil {
		resultsJSON, _ = json.Marshal(meta.Results)
	}
	_, err = tx.Exec(context.Background(),
		`UPDATE experiments SET status=$1,started_at=$2,finished_at=$3,error=$4,
		 results=$5,summary=$6,request=$7 WHERE experiment_id=$8`,
		meta.Status, nullStr(meta.StartedAt), nullStr(meta.FinishedAt), meta.Error,
		resultsJSON, summary, req, id)
	if err != nil {
		return ExperimentMeta{}, err
	}
	return meta, tx.Commit(context.Background())
}

func (s *PgStore) GetExperiment(id string) (ExperimentMeta, bool) {
	row := s.pool.QueryRow(context.Background(),
		`SELECT experiment_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,results,summary
		 FROM experiments WHERE experiment_id=$1`, id)
	meta, err := scanExperimentMeta(row)
	if err != nil {
		return ExperimentMeta{}, false
	}
	return meta, true
}

func (s *PgStore) ListExperiments(limit int) []ExperimentMeta {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT experiment_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,results,summary
		 FROM experiments ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return []ExperimentMeta{}
	}
	defer rows.Close()
	var out []ExperimentMeta
	for rows.Next() {
		meta, err := scanExperimentMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []ExperimentMeta{}
	}
	return out
}

func (s *PgStore) ListExperimentsByCreator(creatorSub string, limit int) []ExperimentMeta {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT experiment_id,status,creator_type,creator_sub,source,request,
		        started_at,finished_at,created_at,error,results,summary
		 FROM experiments WHERE creator_sub=$1 ORDER BY created_at DESC LIMIT $2`, creatorSub, limit)
	if err != nil {
		return []ExperimentMeta{}
	}
	defer rows.Close()
	var out []ExperimentMeta
	for rows.Next() {
		meta, err := scanExperimentMeta(rows)
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	if out == nil {
		return []ExperimentMeta{}
	}
	return out
}

func (s *PgStore) AppendExperimentEvent(id string, stage, message string, data map[string]any) (ExperimentEvent, error) {
	var dataJSON []byte
	if data != nil {
		dataJSON, _ = json.Marshal(data)
	}
	var seq int64
	var ts time.Time
	err := s.pool.QueryRow(context.Background(),
		`INSERT INTO experiment_events (experiment_id, seq, stage, message, data)
		 VALUES ($1, COALESCE((SELECT MAX(seq) FROM experiment_events WHERE experiment_id=$1),0)+1, $2, $3, $4)
		 RETURNING seq, timestamp`, id, stage, message, dataJSON).Scan(&seq, &ts)
	if err != nil {
		return ExperimentEvent{}, err
	}
	return ExperimentEvent{
		Seq:       seq,
		Timestamp: ts.UTC().Format(time.RFC3339),
		Stage:     stage,
		Message:   message,
		Data:      data,
	}, nil
}

func (s *PgStore) ListExperimentEvents(id string, sinceSeq int64) []ExperimentEvent {
	rows, err := s.pool.Query(context.Background(),
		`SELECT seq, timestamp, stage, message, data
		 FROM experiment_events WHERE experiment_id=$1 AND seq>$2 ORDER BY seq`, id, sinceSeq)
	if err != nil {
		return []ExperimentEvent{}
	}
	defer rows.Close()
	var out []ExperimentEvent
	for rows.Next() {
		var e ExperimentEvent
		var ts time.Time
		var dataJSON []byte
		if err := rows.Scan(&e.Seq, &ts, &e.Stage, &e.Message, &dataJSON); err != nil {
			continue
		}
		e.Timestamp = ts.UTC().Format(time.RFC3339)
		if len(dataJSON) > 0 {
			_ = json.Unmarshal(dataJSON, &e.Data)
		}
		out = append(out, e)
	}
	if out == nil {
		return []ExperimentEvent{}
	}
	return out
}

func (s *PgStore) AppendAudit(event AuditEvent) error {
	if strings.TrimSpace(event.Timestamp) == "" {
		event.Timestamp = nowRFC3339()
	}
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO audit_events (timestamp,experiment_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.Timestamp, nullStr(event.ExperimentID), event.ActorType, nullStr(event.ActorSub),
		event.Action, event.Result, nullStr(event.IPHash), nullStr(event.UAHash), nullStr(event.Detail))
	return err
}

func (s *PgStore) ListAudit(limit int) []AuditEvent {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(context.Background(),
		`SELECT timestamp,experiment_id,actor_type,actor_sub,action,result,ip_hash,ua_hash,detail
		 FROM audit_events ORDER BY timestamp DESC LIMIT $1`, limit)
	if err != nil {
		return []AuditEvent{}
	}
	defer rows.Close()
	var out []AuditEvent
	for rows.Next() {
		var a AuditEvent
		var ts time.Time
		var experimentID, actorSub, ipHash, uaHash, detail *string
		if err := rows.Scan(&ts, &experimentID, &a.ActorType, &actorSub, &a.Action, &a.Result, &ipHash, &uaHash, &detail); err != nil {
			continue
		}
		a.Timestamp = ts.UTC().Format(time.RFC3339)
		a.ExperimentID = deref(experimentID)
		a.ActorSub = deref(actorSub)
		a.IPHash = deref(ipHash)
		a.UAHash = deref(uaHash)
		a.Detail = deref(detail)
		out = append(out, a)
	}
	if out == nil {
		return []AuditEvent{}
	}
	return out
}

func (s *PgStore) GetMetricsOverview() MetricsOverview {
	overview := MetricsOverview{GeneratedAt: nowRFC3339()}
	_ = s.pool.QueryRow(context.Background(),
		`SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status IN ('running','queued')),
			COUNT(*) FILTER (WHERE status='done'),
			COUNT(*) FILTER (WHERE status='error')
		 FROM experiments`).Scan(
		&overview.TotalExperiments, &overview.RunningExperiments,
		&overview.DoneExperiments, &overview.ErrorExperiments)

	rows, err := s.pool.Query(context.Background(),
		`SELECT results, summary FROM experiments WHERE results IS NOT NULL`)
	if err != nil {
		return overview
	}
	defer rows.Close()
	var stabilityTotal, confidenceTotal float64
	summaryCount := 0
	for rows.Next() {
		var resultsJSON, summaryJSON []byte
		if rows.Scan(&resultsJSON, &summaryJSON) != nil {
			continue
		}
		var results probe.ExperimentResults
		if json.Unmarshal(resultsJSON, &results) != nil {
			continue
		}
		overview.TotalProbes += len(results.Probes)
		var summary ResultSummary
		if json.Unmarshal(summaryJSON, &summary) == nil {
			stabilityTotal += summary.StabilityScore
			confidenceTotal += summary.AvgConfidence
			overview.InfrastructureFailures += summary.InfrastructureFailures
			summaryCount++
		}
	}
	if summaryCount > 0 {
		overview.AverageStability = stabilityTotal / float64(summaryCount)
		overview.AverageConfidence = confidenceTotal / float64(summaryCount)
	}
	return overview
}

// --- helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanExperimentMeta(row scannable) (ExperimentMeta, error) {
	var m ExperimentMeta
	var reqJSON, resultsJSON, summaryJSON []byte
	var startedAt, finishedAt, creatorSub, source, errStr *string
	err := row.Scan(&m.ExperimentID, &m.Status, &m.CreatorType, &creatorSub,
		&source, &reqJSON, &startedAt, &finishedAt, &m.CreatedAt,
		&errStr, &resultsJSON, &summaryJSON)
	if err != nil {
		return ExperimentMeta{}, err
	}
	m.CreatorSub = deref(creatorSub)
	m.Source = deref(source)
	m.StartedAt = deref(startedAt)
	m.FinishedAt = deref(finishedAt)
	m.Error = deref(errStr)
	_ = json.Unmarshal(reqJSON, &m.Request)
	_ = json.Unmarshal(summaryJSON, &m.Summary)
	if len(resultsJSON) > 0 {
		var r probe.ExperimentResults
		if json.Unmarshal(resultsJSON, &r) == nil {
			m.Results = &r
		}
	}
	return m, nil
}

func nullStr(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ensure PgStore implements Store at compile time.
var _ Store = (*PgStore)(nil)
