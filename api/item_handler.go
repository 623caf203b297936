package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/item"
)

// EnqueueRequest is the body of POST /v1/items.
type EnqueueRequest struct {
	Operation          item.Operation          `json:"operation"`
	Resource           item.Resource           `json:"resource"`
	Payload            json.RawMessage         `json:"payload,omitempty"`
	Priority           item.Priority           `json:"priority,omitempty"`
	MaxRetries         *int                    `json:"max_retries,omitempty"`
	RetryStrategy      item.RetryStrategy      `json:"retry_strategy,omitempty"`
	ConflictResolution item.ConflictResolution `json:"conflict_resolution,omitempty"`
	ScheduledAt        *time.Time              `json:"scheduled_at,omitempty"`
	OptimisticID       string                  `json:"optimistic_id,omitempty"`
	Dependencies       []string                `json:"dependencies,omitempty"`
	Metadata           map[string]string       `json:"metadata,omitempty"`
}

func (req EnqueueRequest) options() []item.Option {
	var opts []item.Option
	if req.Priority != "" {
		opts = append(opts, item.WithPriority(req.Priority))
	}
	if req.MaxRetries != nil {
		opts = append(opts, item.WithMaxRetries(*req.MaxRetries))
	}
	if req.RetryStrategy != "" {
		opts = append(opts, item.WithRetryStrategy(req.RetryStrategy))
	}
	if req.ConflictResolution != "" {
		opts = append(opts, item.WithConflictResolution(req.ConflictResolution))
	}
	if req.ScheduledAt != nil {
		opts = append(opts, item.WithScheduledAt(*req.ScheduledAt))
	}
	if req.OptimisticID != "" {
		opts = append(opts, item.WithOptimisticID(req.OptimisticID))
	}
	if len(req.Dependencies) > 0 {
		opts = append(opts, item.WithDependencies(req.Dependencies...))
	}
	for k, v := range req.Metadata {
		opts = append(opts, item.WithMetadata(k, v))
	}
	return opts
}

// EnqueueResponse is returned by POST /v1/items.
type EnqueueResponse struct {
	ItemID string `json:"item_id"`
}

// StatusRequest is the body of PUT /v1/items/{itemId}/status.
type StatusRequest struct {
	Status item.Status `json:"status"`
}

// ProcessResponse is returned by POST /v1/process.
type ProcessResponse struct {
	Results []ProcessResult `json:"results"`
}

// ProcessResult is one settled item of a processing pass.
type ProcessResult struct {
	ItemID   string        `json:"item_id"`
	Status   item.Status   `json:"status"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
	BatchID  string        `json:"batch_id,omitempty"`
}

func (a *API) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var items []*item.Item
	switch {
	case q.Get("status") != "":
		items = a.eng.ItemsByStatus(item.Status(q.Get("status")))
	case q.Get("resource") != "":
		items = a.eng.ItemsByResource(item.Resource(q.Get("resource")))
	default:
		items = a.eng.Items()
	}
	writeJSON(w, http.StatusOK, page(items, queryInt(r, "offset", 0), queryInt(r, "limit", 100)))
}

func page[T any](all []T, offset, limit int) []T {
	if offset >= len(all) {
		return []T{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}

func (a *API) readyItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.eng.ReadyItems(queryInt(r, "limit", 0)))
}

func (a *API) getItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")
	it, ok := a.eng.GetItem(itemID)
	if !ok {
		writeErr(w, fmt.Errorf("%w: %s", opqueue.ErrItemNotFound, itemID))
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	itemID, err := a.eng.Enqueue(r.Context(), req.Operation, req.Resource, req.Payload, req.options()...)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, EnqueueResponse{ItemID: itemID.String()})
}

func (a *API) removeItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")
	if !a.eng.Remove(r.Context(), itemID) {
		writeErr(w, fmt.Errorf("%w: %s", opqueue.ErrItemNotFound, itemID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) clearItems(w http.ResponseWriter, r *http.Request) {
	a.eng.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	it, err := a.eng.UpdateItemStatus(r.Context(), chi.URLParam(r, "itemId"), req.Status)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (a *API) process(w http.ResponseWriter, r *http.Request) {
	results, err := a.eng.ProcessNext(r.Context(), queryInt(r, "max", 0))
	if err != nil {
		writeErr(w, err)
		return
	}
	resp := ProcessResponse{Results: make([]ProcessResult, 0, len(results))}
	for _, res := range results {
		pr := ProcessResult{
			ItemID:   res.ItemID,
			Status:   res.Status,
			Duration: res.Duration,
			BatchID:  res.BatchID,
		}
		if res.Err != nil {
			pr.Error = res.Err.Error()
		}
		resp.Results = append(resp.Results, pr)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) pause(w http.ResponseWriter, r *http.Request) {
	a.eng.Pause(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": a.eng.Paused()})
}

func (a *API) resume(w http.ResponseWriter, r *http.Request) {
	a.eng.Resume(r.Context())
	writeJSON(w, http.StatusOK, map[string]bool{"paused": a.eng.Paused()})
}
