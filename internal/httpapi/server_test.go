package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/control"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/dispatch"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/gateway"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/middleware"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/optimistic"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/store"
)

type fakeDispatcher struct {
	out   dispatch.Outcome
	err   error
	calls int
	last  dispatch.Intent
}

func (d *fakeDispatcher) Dispatch(_ context.Context, in dispatch.Intent) (dispatch.Outcome, error) {
	d.calls++
	d.last = in
	return d.out, d.err
}

type fakeDeferrer struct {
	deferred []string
}

func (d *fakeDeferrer) Defer(deviceID string) {
	d.deferred = append(d.deferred, deviceID)
}

type fixture struct {
	dispatcher *fakeDispatcher
	deferrer   *fakeDeferrer
	manager    *optimistic.Manager
	hub        *optimistic.Hub
	repo       *store.Repo
	router     http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := "file:httpapi_" + strings.NewReplacer("/", "_", " ", "_").Replace(t.Name()) + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	reg := control.NewRegistry(control.DefaultControls())
	hub := optimistic.NewHub()
	manager := optimistic.NewManager(reg, nil, hub)
	f := &fixture{
		dispatcher: &fakeDispatcher{out: dispatch.Outcome{Delivered: true, Acknowledged: true}},
		deferrer:   &fakeDeferrer{},
		manager:    manager,
		hub:        hub,
		repo:       repo,
	}
	srv := NewServer(f.dispatcher, repo, manager, hub, reg, f.deferrer, nil)
	f.router = srv.Router(nil, nil)
	return f
}

func postCommand(t *testing.T, router http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/greenhouses/gh-1/devices/dev-1/rpc", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCommandRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name string
		body string
	}{
		{"empty body", ""},
		{"invalid json", "{not json"},
		{"missing method", `{"params": true}`},
	}
	for _, tc := range cases {
		rr := postCommand(t, f.router, tc.body)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("%s: status got %d want 400", tc.name, rr.Code)
		}
	}
	if f.dispatcher.calls != 0 {
		t.Fatalf("bad input reached the dispatcher %d times", f.dispatcher.calls)
	}
}

func TestCommandSuccess(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.out = dispatch.Outcome{Delivered: true, Acknowledged: true, Response: json.RawMessage(`{"result":"done"}`)}

	rr := postCommand(t, f.router, `{"method":"set_fan_1_cmd","params":true,"timeout_ms":9000}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status got %d body %s", rr.Code, rr.Body.String())
	}
	var resp commandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" || !resp.Acknowledged || string(resp.RPCResponse) != `{"result":"done"}` {
		t.Fatalf("response got %+v", resp)
	}

	in := f.dispatcher.last
	if in.GreenhouseID != "gh-1" || in.DeviceID != "dev-1" || in.Method != "set_fan_1_cmd" {
		t.Fatalf("intent got %+v", in)
	}
	if in.Timeout != 9*time.Second {
		t.Fatalf("timeout got %v", in.Timeout)
	}
	if in.Source != dispatch.SourceManual {
		t.Fatalf("source got %v", in.Source)
	}
	if len(f.deferrer.deferred) != 1 || f.deferrer.deferred[0] != "dev-1" {
		t.Fatalf("poll debounce missed: %v", f.deferrer.deferred)
	}
}

func TestCommandActorAttribution(t *testing.T) {
	f := newFixture(t)

	// Distinct controls per request; a repeat on the same control would hit
	// the in-flight conflict guard.
	post := func(method string, claims *middleware.Claims) {
		t.Helper()
		req := httptest.NewRequest(http.MethodPost, "/api/greenhouses/gh-1/devices/dev-1/rpc", strings.NewReader(`{"method":"`+method+`","params":true}`))
		req.Header.Set("Content-Type", "application/json")
		if claims != nil {
			req = req.WithContext(middleware.WithClaims(req.Context(), claims))
		}
		rr := httptest.NewRecorder()
		f.router.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			t.Fatalf("status got %d body %s", rr.Code, rr.Body.String())
		}
	}

	post("set_fan_1_cmd", &middleware.Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: "7f5c6a80-3f1e-4a43-9f51-2f3f0a2c9d11",
		},
	})
	if f.dispatcher.last.Actor == nil || f.dispatcher.last.Actor.String() != "7f5c6a80-3f1e-4a43-9f51-2f3f0a2c9d11" {
		t.Fatalf("actor got %v", f.dispatcher.last.Actor)
	}

	// A subject that is not a UUID (service tokens) attributes to no one
	// rather than failing the command.
	post("set_valve_1_cmd", &middleware.Claims{Role: "service", RegisteredClaims: jwt.RegisteredClaims{Subject: "svc:automation"}})
	if f.dispatcher.last.Actor != nil {
		t.Fatalf("non-uuid subject produced actor %v", f.dispatcher.last.Actor)
	}

	post("set_pump_1_cmd", nil)
	if f.dispatcher.last.Actor != nil {
		t.Fatalf("unauthenticated request produced actor %v", f.dispatcher.last.Actor)
	}
}

func TestCommandConflictWhenControlBusy(t *testing.T) {
	f := newFixture(t)
	f.manager.ForDevice("gh-1", "dev-1").Begin("fan_1", control.ValueOn)

	rr := postCommand(t, f.router, `{"method":"set_fan_1_cmd","params":false}`)
	if rr.Code != http.StatusConflict {
		t.Fatalf("status got %d want 409", rr.Code)
	}
	if f.dispatcher.calls != 0 {
		t.Fatal("busy control must not dispatch")
	}
}

func TestCommandSoftTimeout(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.out = dispatch.Outcome{Delivered: true, SoftTimeout: true, Message: dispatch.SoftTimeoutMessage}

	rr := postCommand(t, f.router, `{"method":"set_motor_2_forward"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("soft timeout must look like success, got %d", rr.Code)
	}
	var resp commandResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Acknowledged {
		t.Fatal("unconfirmed dispatch claimed acknowledgement")
	}
	if string(resp.RPCResponse) != `{}` {
		t.Fatalf("rpc_response got %s", resp.RPCResponse)
	}
	if resp.Message != dispatch.SoftTimeoutMessage {
		t.Fatalf("message got %q", resp.Message)
	}
}

func TestCommandOfflineClearsOptimisticState(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = gateway.ErrDeviceOffline
	coord := f.manager.ForDevice("gh-1", "dev-1")
	coord.Begin("valve_1", control.ValueOn)

	rr := postCommand(t, f.router, `{"method":"set_fan_1_cmd","params":true}`)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status got %d want 503", rr.Code)
	}
	// Offline wipes every outstanding display on the device, not just the
	// control that triggered it.
	if coord.Phase("fan_1") != optimistic.PhaseIdle || coord.Phase("valve_1") != optimistic.PhaseIdle {
		t.Fatal("optimistic state survived device offline")
	}
}

func TestCommandHardErrorRollsBackControl(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.err = &gateway.TransportError{Status: http.StatusUnauthorized, Message: "bad token"}

	rr := postCommand(t, f.router, `{"method":"set_fan_1_cmd","params":true}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status got %d want 502", rr.Code)
	}
	if f.manager.ForDevice("gh-1", "dev-1").Phase("fan_1") != optimistic.PhaseIdle {
		t.Fatal("failed dispatch left control non-idle")
	}
}

func TestHistoryEndpoint(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	rows := []*store.ControlHistoryRecord{
		{GreenhouseID: "gh-1", ControlKey: "fan_1", Action: "set", Value: "true", Source: "manual", Success: true, CreatedAt: base},
		{GreenhouseID: "gh-1", ControlKey: "fan_1", Action: "set", Value: "false", Source: "manual", Success: false, ErrorMessage: "504", CreatedAt: base.Add(time.Minute)},
		{GreenhouseID: "gh-1", ControlKey: "valve_1", Action: "set", Value: "true", Source: "schedule", Success: true, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range rows {
		if err := f.repo.Insert(context.Background(), r); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/greenhouses/gh-1/history?control_key=fan_1&success=false", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status got %d body %s", rr.Code, rr.Body.String())
	}
	var page store.Page
	if err := json.Unmarshal(rr.Body.Bytes(), &page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(page.Records) != 1 || page.Records[0].ErrorMessage != "504" {
		t.Fatalf("page got %+v", page)
	}
}

func TestHistoryRejectsBadCursor(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/api/greenhouses/gh-1/history?cursor=%25%25", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status got %d want 400", rr.Code)
	}
}

func TestPanelDisablesBusyControls(t *testing.T) {
	f := newFixture(t)
	f.manager.ForDevice("gh-1", "dev-1").Begin("fan_1", control.ValueOn)

	req := httptest.NewRequest(http.MethodGet, "/api/greenhouses/gh-1/devices/dev-1/panel", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status got %d", rr.Code)
	}
	var resp struct {
		DeviceID string      `json:"device_id"`
		Controls []panelItem `json:"controls"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	byKey := map[string]panelItem{}
	for _, c := range resp.Controls {
		byKey[c.Key] = c
	}
	fan := byKey["fan_1"]
	if !fan.Disabled || fan.Phase != "sending" || fan.Displayed != "on" {
		t.Fatalf("fan_1 got %+v", fan)
	}
	valve := byKey["valve_1"]
	if valve.Disabled || valve.Phase != "idle" {
		t.Fatalf("valve_1 got %+v", valve)
	}
	if _, ok := byKey["motor_1"]; !ok {
		t.Fatal("panel missing motor_1")
	}
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz got %d %q", rr.Code, rr.Body.String())
	}
}

func TestStreamDeliversPhaseEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/greenhouses/gh-1/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f.manager.ForDevice("gh-1", "dev-1").Begin("fan_1", control.ValueOn)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt optimistic.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.ControlKey != "fan_1" || evt.Phase != "sending" {
		t.Fatalf("event got %+v", evt)
	}
}
