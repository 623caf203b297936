package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/a-cube-io/opqueue/dlq"
	"github.com/a-cube-io/opqueue/id"
	"github.com/a-cube-io/opqueue/item"
)

// DLQCountResponse is returned by GET /v1/dlq/count.
type DLQCountResponse struct {
	Count int64 `json:"count"`
}

// PurgeDLQResponse is returned by POST /v1/dlq/purge.
type PurgeDLQResponse struct {
	Purged int64 `json:"purged"`
}

func (a *API) listDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := a.eng.DLQ().List(r.Context(), dlq.ListOpts{
		Limit:    queryInt(r, "limit", 100),
		Offset:   queryInt(r, "offset", 0),
		Resource: item.Resource(r.URL.Query().Get("resource")),
	})
	if err != nil {
		writeErr(w, fmt.Errorf("list dlq: %w", err))
		return
	}
	if entries == nil {
		entries = []*dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) getDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(chi.URLParam(r, "entryId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid DLQ entry ID: %v", err))
		return
	}
	entry, err := a.eng.DLQ().Get(r.Context(), entryID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) replayDLQ(w http.ResponseWriter, r *http.Request) {
	entryID, err := id.ParseDLQID(chi.URLParam(r, "entryId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid DLQ entry ID: %v", err))
		return
	}
	it, err := a.eng.DLQ().Replay(r.Context(), entryID)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

// purgeDLQ removes entries older than the "older_than" duration, or the
// configured retention when it is omitted. "older_than=0s" empties the
// queue.
func (a *API) purgeDLQ(w http.ResponseWriter, r *http.Request) {
	olderThan, err := queryDuration(r, "older_than", a.eng.Config().DLQRetention)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid older_than")
		return
	}
	n, err := a.eng.DLQ().Purge(r.Context(), olderThan)
	if err != nil {
		writeErr(w, fmt.Errorf("purge dlq: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, PurgeDLQResponse{Purged: n})
}

func (a *API) dlqCount(w http.ResponseWriter, r *http.Request) {
	n, err := a.eng.DLQ().Count(r.Context())
	if err != nil {
		writeErr(w, fmt.Errorf("count dlq: %w", err))
		return
	}
	writeJSON(w, http.StatusOK, DLQCountResponse{Count: n})
}
