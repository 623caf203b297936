package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	opqueue "github.com/a-cube-io/opqueue"
	"github.com/a-cube-io/opqueue/worker"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeErr maps queue errors onto HTTP status codes.
func writeErr(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, opqueue.ErrItemNotFound),
		errors.Is(err, opqueue.ErrDLQNotFound),
		errors.Is(err, worker.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, opqueue.ErrInvalidResource), errors.Is(err, opqueue.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, opqueue.ErrDuplicateOperation),
		errors.Is(err, opqueue.ErrInvalidTransition),
		errors.Is(err, opqueue.ErrItemTerminal):
		return http.StatusConflict
	case errors.Is(err, opqueue.ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, opqueue.ErrDestroyed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryDuration(r *http.Request, key string, def time.Duration) (time.Duration, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	return d, nil
}
