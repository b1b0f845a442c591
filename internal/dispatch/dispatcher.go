// Package dispatch orchestrates one command from admission to audit:
// gate -> classify -> send -> persist -> notify. One attempt, no automatic
// retry; a retry is a fresh user action, which is the only safe policy when
// the far end is physical hardware.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/control"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/gateway"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/notify"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/observability"
	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/store"
)

type Source string

const (
	SourceManual      Source = "manual"
	SourceAutomation  Source = "automation"
	SourceSchedule    Source = "schedule"
	SourceScene       Source = "scene"
	SourceExternalAPI Source = "external_api"
)

// Intent is one user (or scheduler) action against one device.
type Intent struct {
	GreenhouseID string
	DeviceID     string
	Method       string
	Params       any
	Timeout      time.Duration
	Source       Source
	Actor        *uuid.UUID
	RequestedAt  time.Time
}

// Outcome is what the caller is told. For a soft timeout it deliberately
// disagrees with the persisted record: the audit trail keeps the real
// failure, the caller gets a provisional success so the UI does not declare a
// probably-delivered command dead.
type Outcome struct {
	Delivered    bool
	Acknowledged bool
	SoftTimeout  bool
	Response     json.RawMessage
	Message      string
}

const SoftTimeoutMessage = "command sent, awaiting device confirmation"

type Admitter interface {
	Admit(ctx context.Context, greenhouseID, deviceID string) error
}

type RPCSender interface {
	SendRPC(ctx context.Context, deviceID string, req gateway.RPCRequest) (gateway.RPCResponse, error)
}

type History interface {
	Insert(ctx context.Context, rec *store.ControlHistoryRecord) error
}

type Notifier interface {
	ControlAction(ctx context.Context, ev notify.Event)
}

type Dispatcher struct {
	gate           Admitter
	gw             RPCSender
	controls       *control.Registry
	history        History
	notifier       Notifier
	defaultTimeout time.Duration
}

func New(gate Admitter, gw RPCSender, reg *control.Registry, history History, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		gate:           gate,
		gw:             gw,
		controls:       reg,
		history:        history,
		notifier:       notifier,
		defaultTimeout: 10 * time.Second,
	}
}

// Dispatch performs a single attempt. Every path, including admission
// rejection, writes exactly one history record before returning; the record
// is written before notification so a dead broker cannot lose the audit fact.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) (Outcome, error) {
	if in.RequestedAt.IsZero() {
		in.RequestedAt = time.Now().UTC()
	}
	if in.Source == "" {
		in.Source = SourceManual
	}
	desc := control.Classify(in.Method, in.Params)
	name := d.controls.DisplayName(desc.ControlKey)

	if err := d.gate.Admit(ctx, in.GreenhouseID, in.DeviceID); err != nil {
		d.record(ctx, in, desc, name, false, err.Error())
		observability.DispatchTotal.WithLabelValues("rejected", string(in.Source)).Inc()
		slog.Info("dispatch rejected at admission", "greenhouse", in.GreenhouseID, "device", in.DeviceID, "control", desc.ControlKey, "error", err)
		return Outcome{}, err
	}

	oneWay := control.IsOneWay(in.Method)
	var timeout time.Duration
	if !oneWay {
		timeout = in.Timeout
		if timeout <= 0 {
			timeout = d.defaultTimeout
		}
	}

	start := time.Now()
	resp, err := d.gw.SendRPC(ctx, in.DeviceID, gateway.RPCRequest{
		Method:  in.Method,
		Params:  in.Params,
		Timeout: timeout,
		OneWay:  oneWay,
	})
	observability.RPCSendSeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		d.record(ctx, in, desc, name, false, err.Error())
		if gateway.IsSoftTimeout(err) {
			observability.DispatchTotal.WithLabelValues("soft_timeout", string(in.Source)).Inc()
			slog.Warn("dispatch soft timeout, reporting provisional success",
				"greenhouse", in.GreenhouseID, "device", in.DeviceID, "control", desc.ControlKey, "error", err)
			return Outcome{
				Delivered:   true,
				SoftTimeout: true,
				Response:    json.RawMessage(`{}`),
				Message:     SoftTimeoutMessage,
			}, nil
		}
		observability.DispatchTotal.WithLabelValues("error", string(in.Source)).Inc()
		return Outcome{}, err
	}

	d.record(ctx, in, desc, name, true, "")
	d.notify(ctx, in, desc, name)
	observability.DispatchTotal.WithLabelValues("ok", string(in.Source)).Inc()
	slog.Info("dispatch ok", "greenhouse", in.GreenhouseID, "device", in.DeviceID, "control", desc.ControlKey, "action", desc.Action, "one_way", oneWay)

	return Outcome{Delivered: true, Acknowledged: resp.Acknowledged, Response: resp.Body}, nil
}

func (d *Dispatcher) record(ctx context.Context, in Intent, desc control.Descriptor, name string, success bool, errMsg string) {
	if d.history == nil {
		return
	}
	rec := &store.ControlHistoryRecord{
		GreenhouseID: in.GreenhouseID,
		ControlKey:   desc.ControlKey,
		ControlName:  name,
		Action:       string(desc.Action),
		Value:        valueString(desc.Value),
		Source:       string(in.Source),
		ActorID:      in.Actor,
		Success:      success,
		ErrorMessage: errMsg,
		CreatedAt:    in.RequestedAt,
	}
	if in.Params != nil {
		if b, err := json.Marshal(in.Params); err == nil {
			rec.Params = datatypes.JSON(b)
		}
	}
	if err := d.history.Insert(ctx, rec); err != nil {
		slog.Error("history insert failed", "greenhouse", in.GreenhouseID, "control", desc.ControlKey, "error", err)
	}
}

func (d *Dispatcher) notify(ctx context.Context, in Intent, desc control.Descriptor, name string) {
	if d.notifier == nil {
		return
	}
	var actor string
	if in.Actor != nil {
		actor = in.Actor.String()
	}
	d.notifier.ControlAction(ctx, notify.Event{
		GreenhouseID: in.GreenhouseID,
		ControlKey:   desc.ControlKey,
		ControlName:  name,
		Action:       string(desc.Action),
		Value:        valueString(desc.Value),
		Actor:        actor,
	})
}

func valueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(val)
	}
}
