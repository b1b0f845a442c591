// Package schedule fires configured commands on cron specs. Scheduled
// intents travel the same path as manual ones: same admission gate, same
// single-attempt dispatch, same audit trail, just with source=schedule and no
// actor.
package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/anusitsrb-glitch/greenhouse-pro-sub000/internal/dispatch"
)

// Entry is one recurring command. Spec uses the six-field cron format (with
// seconds), e.g. "0 0 7 * * *" for daily at 07:00.
type Entry struct {
	Spec         string `json:"spec"`
	GreenhouseID string `json:"greenhouse_id"`
	DeviceID     string `json:"device_id"`
	Method       string `json:"method"`
	Params       any    `json:"params,omitempty"`
	TimeoutMS    int    `json:"timeout_ms,omitempty"`
}

type CommandSink interface {
	Dispatch(ctx context.Context, in dispatch.Intent) (dispatch.Outcome, error)
}

// Deferrer delays the next attribute poll for a device. Scheduled commands
// need the same post-dispatch debounce as manual ones, or the first poll
// after a cron fire reads the pre-command value.
type Deferrer interface {
	Defer(deviceID string)
}

type Scheduler struct {
	cron       *cron.Cron
	sink       CommandSink
	poller     Deferrer
	jobTimeout time.Duration
}

func New(sink CommandSink, poller Deferrer) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithSeconds()),
		sink:       sink,
		poller:     poller,
		jobTimeout: 30 * time.Second,
	}
}

func (s *Scheduler) Add(e Entry) error {
	_, err := s.cron.AddFunc(e.Spec, func() { s.fire(e) })
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { s.cron.Stop() }

func (s *Scheduler) fire(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	in := dispatch.Intent{
		GreenhouseID: e.GreenhouseID,
		DeviceID:     e.DeviceID,
		Method:       e.Method,
		Params:       e.Params,
		Timeout:      time.Duration(e.TimeoutMS) * time.Millisecond,
		Source:       dispatch.SourceSchedule,
	}
	out, err := s.sink.Dispatch(ctx, in)
	if s.poller != nil {
		s.poller.Defer(e.DeviceID)
	}
	if err != nil {
		slog.Warn("scheduled dispatch failed", "greenhouse", e.GreenhouseID, "device", e.DeviceID, "method", e.Method, "error", err)
		return
	}
	slog.Info("scheduled dispatch done", "greenhouse", e.GreenhouseID, "device", e.DeviceID, "method", e.Method, "soft_timeout", out.SoftTimeout)
}
