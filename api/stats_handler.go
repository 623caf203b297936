package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/store"
	"github.com/a-cube-io/opqueue/stream"
)

const defaultWindow = time.Hour

// StatsResponse aggregates queue, DLQ and broker statistics.
type StatsResponse struct {
	Queue       store.Stats        `json:"queue"`
	DLQCount    int64              `json:"dlq_count"`
	Paused      bool               `json:"paused"`
	Processing  bool               `json:"processing"`
	HealthScore float64            `json:"health_score"`
	Broker      stream.BrokerStats `json:"broker"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	count, err := a.eng.DLQ().Count(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Queue:       a.eng.Stats(),
		DLQCount:    count,
		Paused:      a.eng.Paused(),
		Processing:  a.eng.Processing(),
		HealthScore: a.eng.HealthScore(defaultWindow),
		Broker:      a.eng.Broker().Stats(),
	})
}

// windowed parses the "window" query parameter and writes a 400 on
// failure.
func windowed(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	window, err := queryDuration(r, "window", defaultWindow)
	if err != nil || window <= 0 {
		writeError(w, http.StatusBadRequest, "invalid window")
		return 0, false
	}
	return window, true
}

func (a *API) insights(w http.ResponseWriter, r *http.Request) {
	if window, ok := windowed(w, r); ok {
		writeJSON(w, http.StatusOK, a.eng.Insights(window))
	}
}

func (a *API) trend(w http.ResponseWriter, r *http.Request) {
	if window, ok := windowed(w, r); ok {
		writeJSON(w, http.StatusOK, a.eng.TrendAnalysis(window))
	}
}

func (a *API) metrics(w http.ResponseWriter, r *http.Request) {
	if window, ok := windowed(w, r); ok {
		writeJSON(w, http.StatusOK, a.eng.Metrics(window))
	}
}

func (a *API) circuits(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.CircuitStates())
}

func (a *API) resetCircuit(w http.ResponseWriter, r *http.Request) {
	res := item.Resource(chi.URLParam(r, "resource"))
	if !res.Valid() {
		writeErr(w, opqueue.ErrInvalidResource)
		return
	}
	a.eng.ResetCircuit(res)
	writeJSON(w, http.StatusOK, map[string]any{
		"resource": res,
		"state":    a.eng.CircuitState(res),
	})
}

func (a *API) persistence(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.PersistenceStatus())
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Snapshot(r.Context()); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.eng.PersistenceStatus())
}

func (a *API) housekeeping(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.Housekeeper().Tasks())
}

func (a *API) runTask(w http.ResponseWriter, r *http.Request) {
	if err := a.eng.Housekeeper().Run(r.Context(), chi.URLParam(r, "task")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
