// Package handler provides the HTTP surface of the storefront store.
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/stevemurr/storefront-store/app"
	"github.com/stevemurr/storefront-store/autosave"
	"github.com/stevemurr/storefront-store/connection"
	"github.com/stevemurr/storefront-store/migrate"
	"github.com/stevemurr/storefront-store/schema"
	"github.com/stevemurr/storefront-store/store"
)

// App is what the handlers need from an application context.
type App interface {
	ReadCollection(ctx context.Context, c store.Collection) ([]store.Record, error)
	WriteCollection(ctx context.Context, c store.Collection, records []store.Record) ([]store.Record, error)
	WriteBackup(ctx context.Context, w io.Writer, f store.Format) (store.Snapshot, error)
	ReadBackup(ctx context.Context, r io.Reader, f store.Format) (store.Snapshot, store.Meta, error)
	ConnectionState() connection.State
	SubscribeConnection() (<-chan connection.State, func())
	RetryConnection(ctx context.Context) (connection.State, error)
	GoOffline(ctx context.Context) (connection.State, error)
	SwitchEngine(ctx context.Context, target store.Engine) error
	Migrate(ctx context.Context, from, to store.Engine) (migrate.Result, error)
	Pending() autosave.Status
	Status() app.Status
}

type Options struct {
	// AllowedOrigins also gates websocket upgrades.
	AllowedOrigins []string
	Logger         zerolog.Logger
	Now            func() time.Time
}

// Handler holds the server dependencies and registers routes.
type Handler struct {
	app    App
	opts   Options
	router *mux.Router
}

// New creates a Handler and wires up all routes.
func New(a App, opts Options) *Handler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	h := &Handler{app: a, opts: opts, router: mux.NewRouter()}
	h.routes()
	return h
}

// ServeHTTP makes Handler an http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func (h *Handler) routes() {
	r := h.router
	r.Use(h.logRequests)

	r.HandleFunc("/", h.root).Methods(http.MethodGet)
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)

	r.HandleFunc("/collections", h.listCollections).Methods(http.MethodGet)
	r.HandleFunc("/collections/{collection}", h.getCollection).Methods(http.MethodGet)
	r.HandleFunc("/collections/{collection}", h.putCollection).Methods(http.MethodPut)

	r.HandleFunc("/backup", h.exportBackup).Methods(http.MethodGet)
	r.HandleFunc("/backup", h.importBackup).Methods(http.MethodPost)

	r.HandleFunc("/connection", h.connectionState).Methods(http.MethodGet)
	r.HandleFunc("/connection/retry", h.retryConnection).Methods(http.MethodPost)
	r.HandleFunc("/connection/offline", h.goOffline).Methods(http.MethodPost)
	r.HandleFunc("/connection/ws", h.connectionStream).Methods(http.MethodGet)

	r.HandleFunc("/engine/switch", h.switchEngine).Methods(http.MethodPost)
	r.HandleFunc("/engine/migrate", h.migrate).Methods(http.MethodPost)

	r.HandleFunc("/autosave", h.autosaveStatus).Methods(http.MethodGet)
}

// ---------- helpers ----------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// fail maps an application error to a response.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var verr *schema.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"detail":     "schema validation failed: " + err.Error(),
			"violations": verr.Violations,
		})
	case errors.Is(err, store.ErrInvalidBackup):
		writeError(w, http.StatusBadRequest, "invalid backup file")
	case errors.Is(err, store.ErrUnknownCollection):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrUnknownEngine):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, migrate.ErrSameEngine):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrQuotaExceeded):
		writeError(w, http.StatusInsufficientStorage, err.Error())
	default:
		h.opts.Logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func collectionVar(r *http.Request) store.Collection {
	return store.Collection(mux.Vars(r)["collection"])
}

// ---------- status endpoints ----------

func (h *Handler) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "Storefront Store",
	})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"store":  h.app.Status(),
	})
}

// ---------- collections ----------

func (h *Handler) listCollections(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, store.Collections())
}

func (h *Handler) getCollection(w http.ResponseWriter, r *http.Request) {
	recs, err := h.app.ReadCollection(r.Context(), collectionVar(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// putCollection replaces a collection. The body is an array of records;
// a single object is accepted as a one-record array.
func (h *Handler) putCollection(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	recs, err := store.NormalizeRecords(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	stored, err := h.app.WriteCollection(r.Context(), collectionVar(r), recs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// ---------- backup ----------

func (h *Handler) exportBackup(w http.ResponseWriter, r *http.Request) {
	f, err := store.ParseFormat(r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var buf bytes.Buffer
	if _, err := h.app.WriteBackup(r.Context(), &buf, f); err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", f.ContentType())
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", store.BackupFilename(h.opts.Now(), f)))
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

func (h *Handler) importBackup(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	format := r.URL.Query().Get("format")
	if format == "" && r.Header.Get("Content-Type") == store.FormatCBOR.ContentType() {
		format = string(store.FormatCBOR)
	}
	f, err := store.ParseFormat(format)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap, meta, err := h.app.ReadBackup(r.Context(), r.Body, f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "restored",
		"version": meta.Version,
		"counts":  snap.Counts(),
	})
}

// ---------- connection ----------

func (h *Handler) connectionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.ConnectionState())
}

func (h *Handler) retryConnection(w http.ResponseWriter, r *http.Request) {
	s, err := h.app.RetryConnection(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (h *Handler) goOffline(w http.ResponseWriter, r *http.Request) {
	s, err := h.app.GoOffline(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ---------- engine ----------

type engineRequest struct {
	From store.Engine `json:"from"`
	To   store.Engine `json:"to"`
}

func (h *Handler) switchEngine(w http.ResponseWriter, r *http.Request) {
	var req engineRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	err := h.app.SwitchEngine(r.Context(), req.To)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"restart": false, "engine": h.app.Status().Engine})
	case errors.Is(err, app.ErrRestartRequired):
		writeJSON(w, http.StatusAccepted, map[string]any{"restart": true, "detail": err.Error()})
	default:
		h.fail(w, r, err)
	}
}

func (h *Handler) migrate(w http.ResponseWriter, r *http.Request) {
	var req engineRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.From == "" {
		req.From = h.app.Status().Engine
	}
	res, err := h.app.Migrate(r.Context(), req.From, req.To)
	if err != nil && !errors.Is(err, app.ErrRestartRequired) {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *Handler) autosaveStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Pending())
}

// ---------- middleware ----------

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/connection/ws" {
			// The upgrade needs the original writer.
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		h.opts.Logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}
