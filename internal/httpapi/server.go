package httpapi

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/control"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/dispatch"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/gateway"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/middleware"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/optimistic"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/store"
)

// CommandDispatcher is the dispatch surface the API needs; narrowed for unit
// testing handlers without a live platform.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, in dispatch.Intent) (dispatch.Outcome, error)
}

// Deferrer delays the next attribute poll for a device (post-dispatch
// debounce).
type Deferrer interface {
	Defer(deviceID string)
}

type Server struct {
	dispatcher CommandDispatcher
	repo       *store.Repo
	manager    *optimistic.Manager
	hub        *optimistic.Hub
	registry   *control.Registry
	poller     Deferrer
	attrs      *store.AttrCache
}

func NewServer(dispatcher CommandDispatcher, repo *store.Repo, manager *optimistic.Manager, hub *optimistic.Hub, registry *control.Registry, poller Deferrer, attrs *store.AttrCache) *Server {
	return &Server{
		dispatcher: dispatcher,
		repo:       repo,
		manager:    manager,
		hub:        hub,
		registry:   registry,
		poller:     poller,
		attrs:      attrs,
	}
}

// Router assembles the full route tree. pubKey nil disables auth (dev mode,
// and handler-level tests); extra middlewares (observability) wrap everything.
func (s *Server) Router(pubKey *rsa.PublicKey, metricsHandler http.Handler, extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	for _, mw := range extra {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("ok")) })
	if metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", metricsHandler)
	}

	r.Group(func(pr chi.Router) {
		if pubKey != nil {
			pr.Use(middleware.JWTAuthRS256(pubKey), middleware.RoleAtLeast("operator"))
		}
		pr.Post("/api/greenhouses/{greenhouseID}/devices/{deviceID}/rpc", s.handleCommand)
		pr.Get("/api/greenhouses/{greenhouseID}/devices/{deviceID}/panel", s.handlePanel)
		pr.Get("/api/greenhouses/{greenhouseID}/history", s.handleHistory)
		pr.Get("/api/greenhouses/{greenhouseID}/stream", s.handleStream)
	})
	return r
}

type commandRequest struct {
	Method    string `json:"method"`
	Params    any    `json:"params"`
	TimeoutMS int    `json:"timeout_ms"`
	Source    string `json:"source"`
}

type commandResponse struct {
	Status       string          `json:"status"`
	Acknowledged bool            `json:"acknowledged"`
	RPCResponse  json.RawMessage `json:"rpc_response"`
	Message      string          `json:"message,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	greenhouseID := chi.URLParam(r, "greenhouseID")
	deviceID := chi.URLParam(r, "deviceID")

	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()
	if len(body) == 0 {
		http.Error(w, "request body required", http.StatusBadRequest)
		return
	}
	var req commandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		http.Error(w, "method is required", http.StatusBadRequest)
		return
	}

	desc := control.Classify(req.Method, req.Params)
	coord := s.manager.ForDevice(greenhouseID, deviceID)

	// Optimistic display starts before the network call; the begin failing
	// means another command is already outstanding on this control.
	target, optimisticOK := desc.TargetValue()
	if optimisticOK {
		if !coord.Begin(desc.ControlKey, target) {
			http.Error(w, "command already in flight for this control", http.StatusConflict)
			return
		}
	}

	in := dispatch.Intent{
		GreenhouseID: greenhouseID,
		DeviceID:     deviceID,
		Method:       req.Method,
		Params:       req.Params,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
		Source:       commandSource(req.Source),
		Actor:        actorFromContext(r.Context()),
		RequestedAt:  time.Now().UTC(),
	}

	out, err := s.dispatcher.Dispatch(r.Context(), in)
	if s.poller != nil {
		s.poller.Defer(deviceID)
	}
	if err != nil {
		if optimisticOK {
			coord.Fail(desc.ControlKey)
		}
		if errors.Is(err, gateway.ErrDeviceOffline) {
			// Nothing on this device is controllable right now; drop every
			// outstanding optimistic display, not just this control's.
			s.manager.ForceClearDevice(deviceID, "device_offline")
			writeJSONError(w, http.StatusServiceUnavailable, "device is offline")
			return
		}
		slog.Error("dispatch failed", "greenhouse", greenhouseID, "device", deviceID, "method", req.Method, "error", err)
		writeJSONError(w, http.StatusBadGateway, err.Error())
		return
	}

	resp := commandResponse{Status: "ok", Acknowledged: out.Acknowledged, RPCResponse: out.Response, Message: out.Message}
	if resp.RPCResponse == nil {
		resp.RPCResponse = json.RawMessage(`{}`)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	greenhouseID := chi.URLParam(r, "greenhouseID")
	q := r.URL.Query()

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	cursor, err := store.DecodeCursor(q.Get("cursor"))
	if err != nil {
		http.Error(w, "invalid cursor", http.StatusBadRequest)
		return
	}
	f := store.Filter{ControlKey: q.Get("control_key")}
	if v := q.Get("from"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.From = ts
		}
	}
	if v := q.Get("to"); v != "" {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			f.To = ts
		}
	}
	if v := q.Get("success"); v != "" {
		b := v == "true" || v == "1"
		f.Success = &b
	}

	page, err := s.repo.List(r.Context(), greenhouseID, f, limit, cursor, true)
	if err != nil {
		slog.Error("history list failed", "greenhouse", greenhouseID, "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type panelItem struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Cardinality string `json:"cardinality"`
	Class       string `json:"class"`
	State       string `json:"state,omitempty"`
	Phase       string `json:"phase"`
	Displayed   string `json:"displayed,omitempty"`
	Disabled    bool   `json:"disabled"`
}

func (s *Server) handlePanel(w http.ResponseWriter, r *http.Request) {
	greenhouseID := chi.URLParam(r, "greenhouseID")
	deviceID := chi.URLParam(r, "deviceID")

	attrs := map[string]any{}
	if s.attrs != nil {
		if b, err := s.attrs.Get(r.Context(), deviceID); err != nil {
			slog.Warn("attribute cache read failed", "device", deviceID, "error", err)
		} else if len(b) > 0 {
			_ = json.Unmarshal(b, &attrs)
		}
	}

	snapshot := s.manager.ForDevice(greenhouseID, deviceID).Snapshot()

	controls := s.registry.All()
	items := make([]panelItem, 0, len(controls))
	for _, c := range controls {
		item := panelItem{
			Key:         c.Key,
			Name:        c.Name,
			Cardinality: c.Cardinality.String(),
			Class:       c.Class.String(),
			Phase:       optimistic.PhaseIdle.String(),
		}
		if v, ok := c.ResolveState(attrs); ok {
			item.State = string(v)
			item.Displayed = string(v)
		}
		if st, ok := snapshot[c.Key]; ok {
			item.Phase = st.Phase
			item.Displayed = st.Target
			item.Disabled = true
		}
		items = append(items, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"device_id": deviceID, "controls": items})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	greenhouseID := chi.URLParam(r, "greenhouseID")
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch, cancel := s.hub.Subscribe(greenhouseID)
	defer cancel()

	// Read pump just to detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(2*time.Second)); err != nil {
				return
			}
		case evt := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("ws write failed", "error", err)
				return
			}
		}
	}
}

func commandSource(s string) dispatch.Source {
	switch dispatch.Source(s) {
	case dispatch.SourceAutomation, dispatch.SourceSchedule, dispatch.SourceScene, dispatch.SourceExternalAPI:
		return dispatch.Source(s)
	default:
		return dispatch.SourceManual
	}
}

func actorFromContext(ctx context.Context) *uuid.UUID {
	claims := middleware.ClaimsFromContext(ctx)
	if claims == nil {
		return nil
	}
	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil
	}
	return &id
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
