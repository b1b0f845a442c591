// Package notify emits human-readable control_action events for the
// notification/broadcast subsystem. Emission is best-effort: a failed publish
// is logged and swallowed, never surfaced to the dispatch path.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const DefaultTopic = "greenhouse/notifications/control_action"

type Event struct {
	Type         string    `json:"type"`
	GreenhouseID string    `json:"greenhouse"`
	ControlKey   string    `json:"control_key"`
	ControlName  string    `json:"control_name"`
	Action       string    `json:"action"`
	Value        string    `json:"value,omitempty"`
	Actor        string    `json:"actor,omitempty"`
	TS           time.Time `json:"ts"`
}

type broker interface {
	Publish(topic string, payload []byte) error
}

type Publisher struct {
	mq    broker
	topic string
}

func NewPublisher(mq broker, topic string) *Publisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Publisher{mq: mq, topic: topic}
}

func (p *Publisher) ControlAction(_ context.Context, ev Event) {
	if p == nil || p.mq == nil {
		return
	}
	ev.Type = "control_action"
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("encode control_action event failed", "control", ev.ControlKey, "error", err)
		return
	}
	if err := p.mq.Publish(p.topic, b); err != nil {
		slog.Warn("publish control_action event failed", "control", ev.ControlKey, "error", err)
	}
}
