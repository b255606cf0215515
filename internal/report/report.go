// Package report serves read access to logged events and enriched source records.
package report

import (
	"context"
	"io"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/StefanGrimminck/Spoor/internal/geo"
	"github.com/StefanGrimminck/Spoor/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// MaxBatch caps the number of addresses in one batch request.
const MaxBatch = 500

const maxBatchBody = 64 * 1024

// Page sizes for the per-source listing on /api/logs.
const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// Reader is the read side of the store.
type Reader interface {
	GetSource(ctx context.Context, address string) (*store.Source, error)
	CountryCodes(ctx context.Context, addresses []string) (map[string]string, error)
	ListEvents(ctx context.Context, src string) ([]store.LogEntry, error)
	ListSources(ctx context.Context, limit, offset int) ([]store.SourceActivity, error)
}

// Handler serves /api/logs and /api/source_details.
type Handler struct {
	Store Reader
	Log   zerolog.Logger
}

// Routes mounts the handlers on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/logs", h.logs)
	r.Get("/api/source_details/{ip}", h.getSource)
	r.Post("/api/source_details/batch", h.batch)
}

func (h *Handler) getSource(w http.ResponseWriter, r *http.Request) {
	ip := chi.URLParam(r, "ip")
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		respond(w, http.StatusBadRequest, errorBody("Invalid IP address"))
		return
	}
	src, err := h.Store.GetSource(r.Context(), addr.Unmap().String())
	if err != nil {
		h.Log.Error().Err(err).Msg("get source details")
		respond(w, http.StatusInternalServerError, errorBody("DB error"))
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"status": "success", "data": src})
}

type batchRequest struct {
	IPs []string `json:"ips"`
}

func (h *Handler) batch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBatchBody))
	if err != nil {
		respond(w, http.StatusRequestEntityTooLarge, errorBody("Payload too large"))
		return
	}
	var req batchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respond(w, http.StatusBadRequest, errorBody("Invalid JSON"))
		return
	}
	if len(req.IPs) == 0 {
		respond(w, http.StatusBadRequest, errorBody("No IPs provided"))
		return
	}
	if len(req.IPs) > MaxBatch {
		respond(w, http.StatusBadRequest, errorBody("Too many IPs"))
		return
	}
	keys := make([]string, len(req.IPs))
	for i, ip := range req.IPs {
		keys[i] = geo.NormalizeAddr(ip)
	}
	codes, err := h.Store.CountryCodes(r.Context(), keys)
	if err != nil {
		h.Log.Error().Err(err).Int("ips", len(req.IPs)).Msg("batch country codes")
		respond(w, http.StatusInternalServerError, errorBody("DB error"))
		return
	}
	// Answer under the spellings the client sent
	out := make(map[string]string, len(codes))
	for i, ip := range req.IPs {
		if code, ok := codes[keys[i]]; ok {
			out[ip] = code
		}
	}
	respond(w, http.StatusOK, map[string]interface{}{"status": "success", "data": out})
}

// logs lists every event from ?src=<ip>, or without src pages through the
// sources that sent events, most recently seen first.
func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if src := q.Get("src"); src != "" {
		rows, err := h.Store.ListEvents(r.Context(), geo.NormalizeAddr(src))
		if err != nil {
			h.Log.Error().Err(err).Msg("list events")
			respond(w, http.StatusInternalServerError, errorBody("DB error"))
			return
		}
		respond(w, http.StatusOK, map[string]interface{}{"status": "success", "data": rows})
		return
	}

	limit, ok := intParam(q.Get("limit"), DefaultPageSize)
	if !ok || limit < 1 || limit > MaxPageSize {
		respond(w, http.StatusBadRequest, errorBody("Invalid limit"))
		return
	}
	offset, ok := intParam(q.Get("offset"), 0)
	if !ok || offset < 0 {
		respond(w, http.StatusBadRequest, errorBody("Invalid offset"))
		return
	}
	sources, err := h.Store.ListSources(r.Context(), limit, offset)
	if err != nil {
		h.Log.Error().Err(err).Msg("list sources")
		respond(w, http.StatusInternalServerError, errorBody("DB error"))
		return
	}
	respond(w, http.StatusOK, map[string]interface{}{"status": "success", "data": sources})
}

func intParam(v string, def int) (int, bool) {
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func errorBody(msg string) map[string]string {
	return map[string]string{"status": "error", "message": msg}
}

func respond(w http.ResponseWriter, code int, body interface{}) {
	b, err := json.Marshal(body)
	if err != nil {
		code = http.StatusInternalServerError
		b = []byte(`{"status":"error","message":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}
