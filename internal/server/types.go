package server

import (
	"time"

	"latent-probe/internal/probe"
)

type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username"`
	Role     string `json:"role"`
}

type ExperimentRequest struct {
	Hypothesis     string `json:"hypothesis"`
	Protocol       string `json:"protocol"`
	ProbeCount     int    `json:"probe_count,omitempty"`
	IncludeControl *bool  `json:"include_control,omitempty"`
	SubjectURL     string `json:"subject_url,omitempty"`
	SubjectModel   string `json:"subject_model,omitempty"`
	TimeoutSec     int    `json:"timeout_sec,omitempty"`
}

type ExperimentMeta struct {
	ExperimentID string                   `json:"experiment_id"`
	Status       string                   `json:"status"`
	CreatorType  string                   `json:"creator_type"`
	CreatorSub   string                   `json:"creator_sub,omitempty"`
	Source       string                   `json:"source"`
	Request      ExperimentRequest        `json:"request"`
	StartedAt    string                   `json:"started_at,omitempty"`
	FinishedAt   string                   `json:"finished_at,omitempty"`
	CreatedAt    string                   `json:"created_at"`
	Error        string                   `json:"error,omitempty"`
	Results      *probe.ExperimentResults `json:"results,omitempty"`
	Summary      ResultSummary            `json:"summary"`
}

type ResultSummary struct {
	MostCommonOutcome      string  `json:"most_common_outcome,omitempty"`
	StabilityScore         float64 `json:"stability_score"`
	DivergenceScore        float64 `json:"divergence_score"`
	AvgConfidence          float64 `json:"avg_confidence"`
	InfrastructureFailures int     `json:"infrastructure_failures"`
}

type ExperimentEvent struct {
	Seq       int64          `json:"seq"`
	Timestamp string         `json:"timestamp"`
	Stage     string         `json:"stage"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

type AuditEvent struct {
	Timestamp    string `json:"timestamp"`
	ExperimentID string `json:"experiment_id,omitempty"`
	ActorType    string `json:"actor_type"`
	ActorSub     string `json:"actor_sub,omitempty"`
	Action       string `json:"action"`
	Result       string `json:"result"`
	IPHash       string `json:"ip_hash,omitempty"`
	UAHash       string `json:"ua_hash,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

type MetricsOverview struct {
	GeneratedAt            string  `json:"generated_at"`
	TotalExperiments       int     `json:"total_experiments"`
	RunningExperiments     int     `json:"running_experiments"`
	DoneExperiments        int     `json:"done_experiments"`
	ErrorExperiments       int     `json:"error_experiments"`
	TotalProbes            int     `json:"total_probes"`
	AverageStability       float64 `json:"average_stability"`
	AverageConfidence      float64 `json:"average_confidence"`
	InfrastructureFailures int     `json:"infrastructure_failures"`
}

// summarizeResults lifts the fields the dashboard shows out of a finished
// experiment.
func summarizeResults(results *probe.ExperimentResults) ResultSummary {
	summary := ResultSummary{}
	if results == nil {
		return summary
	}
	if v, ok := results.AggregateStats["most_common_outcome"].(string); ok {
		summary.MostCommonOutcome = v
	}
	if v, ok := toFloat(results.AggregateStats["stability_score"]); ok {
		summary.StabilityScore = v
	}
	if v, ok := toFloat(results.AggregateStats["avg_confidence"]); ok {
		summary.AvgConfidence = v
	}
	if v, ok := toFloat(results.DeltaVsControl["divergence_score"]); ok {
		summary.DivergenceScore = v
	}
	for _, result := range results.Probes {
		if result.OutcomeType == probe.OutcomeInfrastructureFailure {
			summary.InfrastructureFailures++
		}
	}
	return summary
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
