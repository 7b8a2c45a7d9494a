package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/smsgw/fleet-console/internal/console"
	"github.com/smsgw/fleet-console/internal/hub"
	"github.com/smsgw/fleet-console/internal/metrics"
	"github.com/smsgw/fleet-console/internal/mirror"
	"github.com/smsgw/fleet-console/internal/view"
)

type API struct {
	mirror  *mirror.Service
	console *console.Client
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func New(m *mirror.Service, crud *console.Client, met *metrics.Metrics, logger *slog.Logger) *API {
	return &API{mirror: m, console: crud, metrics: met, logger: logger}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.health)
	r.Method(http.MethodGet, "/metrics", a.metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Get("/devices", a.listDevices)
		api.Get("/devices/{id}", a.getDevice)
		api.Get("/connection", a.connection)
		api.Get("/stream", a.streamDevices)

		api.Route("/console/{resource}", func(crud chi.Router) {
			crud.Use(middleware.Timeout(20 * time.Second))
			crud.Get("/", a.consoleList)
			crud.Post("/", a.consoleCreate)
			crud.Get("/{id}", a.consoleGet)
			crud.Put("/{id}", a.consoleUpdate)
			crud.Delete("/{id}", a.consoleDelete)
		})
	})
	return r
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": a.mirror.ConnectionState().Connected(),
		"stale":     a.mirror.Stale(),
	})
}

func (a *API) listDevices(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_filter", err.Error())
		return
	}
	query := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("query")))

	now := time.Now().UTC()
	items := []view.Device{}
	for _, d := range a.mirror.Devices() {
		if !filter.Matches(d) {
			continue
		}
		if query != "" &&
			!strings.Contains(strings.ToLower(d.Name), query) &&
			!strings.Contains(strings.ToLower(d.DeviceID), query) {
			continue
		}
		items = append(items, view.For(d, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
		"stale": a.mirror.Stale(),
	})
}

func (a *API) getDevice(w http.ResponseWriter, r *http.Request) {
	record, ok := a.mirror.Device(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, view.For(record, time.Now().UTC()))
}

func (a *API) connection(w http.ResponseWriter, _ *http.Request) {
	state := a.mirror.ConnectionState()
	writeJSON(w, http.StatusOK, map[string]any{
		"phase":             state.Phase,
		"last_error":        state.LastError,
		"reconnect_attempt": state.ReconnectAttempt,
		"next_retry_sec":    int(state.NextRetryDelay.Seconds()),
		"connected":         state.Connected(),
		"stale":             a.mirror.Stale(),
	})
}

func (a *API) consoleList(w http.ResponseWriter, r *http.Request) {
	params := console.ListParams{
		Page:    queryInt(r, "page"),
		PerPage: queryInt(r, "per_page"),
		Sort:    r.URL.Query().Get("sort"),
		Order:   r.URL.Query().Get("order"),
		Filters: map[string]string{},
	}
	for key, values := range r.URL.Query() {
		switch key {
		case "page", "per_page", "sort", "order":
		default:
			if len(values) > 0 {
				params.Filters[key] = values[0]
			}
		}
	}
	page, err := a.console.List(r.Context(), chi.URLParam(r, "resource"), params)
	if err != nil {
		writeError(w, http.StatusBadGateway, "console_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) consoleGet(w http.ResponseWriter, r *http.Request) {
	var record json.RawMessage
	err := a.console.Get(r.Context(), chi.URLParam(r, "resource"), chi.URLParam(r, "id"), &record)
	if err != nil {
		writeError(w, http.StatusBadGateway, "console_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) consoleCreate(w http.ResponseWriter, r *http.Request) {
	var form json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	var record json.RawMessage
	if err := a.console.Create(r.Context(), chi.URLParam(r, "resource"), form, &record); err != nil {
		writeError(w, http.StatusBadGateway, "console_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *API) consoleUpdate(w http.ResponseWriter, r *http.Request) {
	var form json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return
	}
	var record json.RawMessage
	if err := a.console.Update(r.Context(), chi.URLParam(r, "resource"), chi.URLParam(r, "id"), form, &record); err != nil {
		writeError(w, http.StatusBadGateway, "console_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (a *API) consoleDelete(w http.ResponseWriter, r *http.Request) {
	if err := a.console.Delete(r.Context(), chi.URLParam(r, "resource"), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadGateway, "console_unavailable", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func filterFromQuery(r *http.Request) (hub.Filter, error) {
	filter := hub.Filter{
		DeviceGroup: strings.TrimSpace(r.URL.Query().Get("group")),
		CountrySite: strings.TrimSpace(r.URL.Query().Get("site")),
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		badge := view.Badge(strings.ToUpper(raw))
		if !view.ValidBadge(badge) {
			return hub.Filter{}, errors.New("status must be one of ALARM, MAINTENANCE, INACTIVE, OFFLINE, READY")
		}
		filter.Status = badge
	}
	return filter, nil
}

func queryInt(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return value
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error":   code,
		"message": message,
	})
}

// RunServer serves until ctx is cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			logger.Error("http server failed", "err", err)
			return err
		}
		return nil
	}
}
