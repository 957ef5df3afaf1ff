package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

type API struct {
	auth   *Auth
	store  Store
	runner RunnerService
	obs    *Observability
}

func NewAPI(auth *Auth, store Store, runner RunnerService, obs *Observability) *API {
	return &API{
		auth:   auth,
		store:  store,
		runner: runner,
		obs:    obs,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)

	mux.HandleFunc("POST /api/v1/auth/login", a.auth.HandleLogin)
	mux.HandleFunc("POST /api/v1/auth/logout", a.auth.HandleLogout)
	mux.HandleFunc("GET /api/v1/auth/me", a.auth.HandleMe)

	mux.Handle("POST /api/v1/admin/experiments", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminCreateExperiment)))
	mux.Handle("GET /api/v1/admin/experiments", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminListExperiments)))
	mux.Handle("GET /api/v1/admin/experiments/{id}", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminGetExperiment)))
	mux.Handle("GET /api/v1/admin/experiments/{id}/events", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminExperimentEventsSSE)))
	mux.Handle("GET /api/v1/admin/metrics/overview", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminOverview)))
	mux.Handle("GET /api/v1/admin/audit", a.auth.RequireAdmin(http.HandlerFunc(a.handleAdminAudit)))

	mux.HandleFunc("POST /api/v1/experiments/preview", a.handlePreviewSuite)
	mux.Handle("GET /api/v1/user/my-experiments", a.auth.Require(http.HandlerFunc(a.handleUserMyExperiments)))

	wrapped := otelhttp.NewHandler(mux, "latent-probe-http")
	return withCORS(wrapped)
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": nowRFC3339(),
	})
}

func (a *API) handleAdminCreateExperiment(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("latent-probe-api").Start(r.Context(), "admin.create_experiment")
	defer span.End()
	principal, _ := PrincipalFromContext(ctx)
	var req ExperimentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	span.SetAttributes(
		attribute.String("experiment.protocol", req.Protocol),
		attribute.Int("experiment.probe_count", req.ProbeCount),
	)
	meta, err := a.runner.CreateExperiment(req, principal, "admin.manual")
	if err != nil {
		span.RecordError(err)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"experiment_id": meta.ExperimentID,
		"status":        meta.Status,
	})
}

func (a *API) handleAdminGetExperiment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing experiment id")
		return
	}
	meta, ok := a.store.GetExperiment(id)
	if !ok {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleAdminListExperiments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"experiments": a.store.ListExperiments(100),
	})
}

func (a *API) handleAdminExperimentEventsSSE(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing experiment id")
		return
	}
	if _, ok := a.store.GetExperiment(id); !ok {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	cursor := parseCursor(r)
	send := func(events []ExperimentEvent) {
		for _, event := range events {
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				continue
			}
			fmt.Fprintf(w, "event: experiment_event\n")
			fmt.Fprintf(w, "data: %s\n\n", payload)
			cursor = event.Seq
		}
		flusher.Flush()
	}
	send(a.store.ListExperimentEvents(id, cursor))

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events := a.store.ListExperimentEvents(id, cursor)
			if len(events) > 0 {
				send(events)
			} else {
				_, _ = fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleAdminOverview(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.store.GetMetricsOverview())
}

func (a *API) handleAdminAudit(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"audit": a.store.ListAudit(200),
	})
}

func (a *API) handlePreviewSuite(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("latent-probe-api").Start(r.Context(), "user.preview_suite")
	defer span.End()
	var req ExperimentRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ipHash, uaHash := actorHashes(r)
	span.SetAttributes(
		attribute.String("actor.type", "user"),
		attribute.String("experiment.protocol", req.Protocol),
	)
	suite, err := a.runner.PreviewSuite(req, ipHash, uaHash)
	if err != nil {
		span.RecordError(err)
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "rate limit") {
			status = http.StatusTooManyRequests
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"probes": suite,
	})
}

func (a *API) handleUserMyExperiments(w http.ResponseWriter, r *http.Request) {
	principal, _ := PrincipalFromContext(r.Context())
	experiments := a.store.ListExperimentsByCreator(principal.Subject, 50)
	// compact listing; full results only via the admin detail endpoint
	out := make([]map[string]any, 0, len(experiments))
	for _, meta := range experiments {
		out = append(out, map[string]any{
			"experiment_id":       meta.ExperimentID,
			"status":              meta.Status,
			"protocol":            meta.Request.Protocol,
			"created_at":          meta.CreatedAt,
			"most_common_outcome": meta.Summary.MostCommonOutcome,
			"stability_score":     meta.Summary.StabilityScore,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": out})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Admin-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorHashes(r *http.Request) (string, string) {
	ip, _, _ := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if ip == "" {
		ip = strings.TrimSpace(r.RemoteAddr)
	}
	return hashString(ip), hashString(r.UserAgent())
}
