// Package ingest accepts honeypot webhook events, stores them and hands the
// source address to enrichment.
package ingest

import (
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/StefanGrimminck/Spoor/internal/auth"
	"github.com/StefanGrimminck/Spoor/internal/store"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// EventWriter persists one event.
type EventWriter interface {
	InsertEvent(ctx context.Context, ev store.Event) error
}

// Scheduler dispatches enrichment for a source address without blocking.
type Scheduler interface {
	Schedule(address string, seen time.Time) bool
}

// Handler handles POST webhook requests (one event per request, JSON or form encoded).
type Handler struct {
	// Validator is optional; with no tokens configured the webhook is open.
	Validator    *auth.Validator
	Events       EventWriter
	Scheduler    Scheduler
	MaxBodyBytes int64
	Log          zerolog.Logger
	Metrics      *Metrics
}

// requestError is a client error whose text is returned in the response body.
type requestError struct {
	code int
	msg  string
}

func (e *requestError) Error() string { return e.msg }

var (
	errInvalidJSON = &requestError{http.StatusBadRequest, "Invalid JSON"}
	errInvalidForm = &requestError{http.StatusBadRequest, "Invalid form data"}
	errTooLarge    = &requestError{http.StatusRequestEntityTooLarge, "Payload too large"}
)

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.respondErr(w, auth.Anonymous, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	nodeID, ok := h.Validator.Authenticate(r)
	if !ok {
		h.respondErr(w, auth.Anonymous, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if h.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	data, rerr := decodePayload(r)
	if rerr != nil {
		h.Log.Debug().Str("node_id", nodeID).Str("reason", rerr.msg).Msg("reject webhook payload")
		h.respondErr(w, nodeID, rerr.code, rerr.msg)
		return
	}

	if v, present := data["src_host"]; present {
		if s, ok := v.(string); !ok || strings.TrimSpace(s) == "" {
			h.respondErr(w, nodeID, http.StatusBadRequest, "Invalid src_host")
			return
		}
	}

	ev := toEvent(data)
	if ev.NodeID, ok = auth.Stamp(nodeID, ev.NodeID); !ok {
		h.respondErr(w, nodeID, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.Events.InsertEvent(r.Context(), ev); err != nil {
		h.Log.Error().Err(err).Str("node_id", nodeID).Msg("insert webhook event")
		h.respondErr(w, nodeID, http.StatusInternalServerError, "DB error")
		return
	}
	h.Metrics.AddEvents(nodeID, 1)

	if ev.SrcHost != "" && h.Scheduler != nil {
		var seen time.Time
		if ev.UTCTime != nil {
			seen = *ev.UTCTime
		}
		if h.Scheduler.Schedule(ev.SrcHost, seen) {
			h.Metrics.IncScheduled(nodeID)
		}
	}

	h.Log.Debug().Str("node_id", nodeID).Str("logtype", ev.LogType).Msg("webhook event stored")
	h.Metrics.IncRequests(nodeID, http.StatusOK)
	h.respond(w, http.StatusOK, map[string]interface{}{"status": "success", "received": data})
}

// decodePayload reads a JSON object body, or form data. A form carrying a
// single field is taken to hold the event as JSON text.
func decodePayload(r *http.Request) (map[string]interface{}, *requestError) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" || strings.HasSuffix(mediaType, "+json") {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, readErr(err, errInvalidJSON)
		}
		return unmarshalObject(body, errInvalidJSON)
	}

	var err error
	if mediaType == "multipart/form-data" {
		err = r.ParseMultipartForm(32 << 10)
	} else {
		err = r.ParseForm()
	}
	if err != nil {
		return nil, readErr(err, errInvalidForm)
	}
	form := r.PostForm
	if len(form) == 1 {
		for _, values := range form {
			if len(values) == 0 {
				return nil, errInvalidForm
			}
			return unmarshalObject([]byte(values[0]), errInvalidForm)
		}
	}
	data := make(map[string]interface{}, len(form))
	for k, values := range form {
		if len(values) > 0 {
			data[k] = values[0]
		}
	}
	return data, nil
}

func unmarshalObject(b []byte, invalid *requestError) (map[string]interface{}, *requestError) {
	var data map[string]interface{}
	if err := json.Unmarshal(b, &data); err != nil || data == nil {
		return nil, invalid
	}
	return data, nil
}

func readErr(err error, fallback *requestError) *requestError {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return errTooLarge
	}
	return fallback
}

func (h *Handler) respondErr(w http.ResponseWriter, nodeID string, code int, msg string) {
	h.Metrics.IncRequests(nodeID, code)
	h.respond(w, code, map[string]string{"status": "error", "message": msg})
}

func (h *Handler) respond(w http.ResponseWriter, code int, body interface{}) {
	b, err := json.Marshal(body)
	if err != nil {
		h.Log.Error().Err(err).Msg("encode response")
		code = http.StatusInternalServerError
		b = []byte(`{"status":"error","message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
