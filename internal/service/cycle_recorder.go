package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// Channels and streams carrying engine events.
const (
	ChannelCycles = "ch:cycle"
	StreamCycles  = "stream:cycles"
)

// Broadcaster pushes an event to live subscribers on channel.
type Broadcaster interface {
	Broadcast(channel string, data []byte)
}

// CycleRecorder persists and fans out finished engine cycles. Every
// dependency is optional; failures are logged and never reach the engine.
type CycleRecorder struct {
	cycles domain.CycleStore
	audit  domain.AuditStore
	bus    domain.SignalBus
	live   Broadcaster
	logger *slog.Logger
}

// NewCycleRecorder creates a CycleRecorder. When bus is set, live
// subscribers are reached through it and live is only used without a bus.
func NewCycleRecorder(
	cycles domain.CycleStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	live Broadcaster,
	logger *slog.Logger,
) *CycleRecorder {
	return &CycleRecorder{
		cycles: cycles,
		audit:  audit,
		bus:    bus,
		live:   live,
		logger: logger.With(slog.String("component", "cycle_recorder")),
	}
}

// RecordCycle implements rebalance.Recorder.
func (r *CycleRecorder) RecordCycle(ctx context.Context, rep domain.CycleReport) {
	if r.cycles != nil {
		if err := r.cycles.Insert(ctx, rep); err != nil {
			r.logger.WarnContext(ctx, "store cycle failed",
				slog.String("cycle_id", rep.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	r.auditTransitions(ctx, rep)
	r.publish(ctx, rep)
}

// auditTransitions writes one audit row per position change and per failure.
func (r *CycleRecorder) auditTransitions(ctx context.Context, rep domain.CycleReport) {
	if r.audit == nil {
		return
	}

	var entries []auditEvent
	add := func(event string, detail map[string]any) {
		detail["cycle_id"] = rep.ID
		detail["pool_id"] = rep.PoolID
		entries = append(entries, auditEvent{event, detail})
	}

	if p := rep.Withdrawn; p != nil {
		add("position_withdrawn", map[string]any{
			"handle": p.Handle,
			"lower":  p.LowerBound,
			"upper":  p.UpperBound,
			"price":  rep.Price,
		})
	}
	if p := rep.Opened; p != nil {
		add("position_opened", map[string]any{
			"handle":   p.Handle,
			"lower":    p.LowerBound,
			"upper":    p.UpperBound,
			"amount_a": p.AmountA,
			"amount_b": p.AmountB,
			"price":    rep.Price,
		})
	}
	switch rep.Outcome {
	case domain.OutcomeFailed:
		add("cycle_failed", map[string]any{
			"step":  rep.FailedStep,
			"error": rep.Error,
		})
	case domain.OutcomeInsufficientFunds:
		add("rebalance_skipped", map[string]any{"price": rep.Price})
	}

	for _, e := range entries {
		if err := r.audit.Log(ctx, e.event, e.detail); err != nil {
			r.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", e.event),
				slog.String("error", err.Error()),
			)
		}
	}
}

type auditEvent struct {
	event  string
	detail map[string]any
}

func (r *CycleRecorder) publish(ctx context.Context, rep domain.CycleReport) {
	if r.bus == nil && r.live == nil {
		return
	}

	evt, err := json.Marshal(map[string]any{
		"type":    "cycle",
		"payload": rep,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "encode cycle event failed", slog.String("error", err.Error()))
		return
	}

	if r.bus == nil {
		r.live.Broadcast(ChannelCycles, evt)
		return
	}

	if err := r.bus.Publish(ctx, ChannelCycles, evt); err != nil {
		r.logger.WarnContext(ctx, "publish cycle event failed",
			slog.String("cycle_id", rep.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := r.bus.StreamAppend(ctx, StreamCycles, evt); err != nil {
		r.logger.WarnContext(ctx, "append cycle stream failed",
			slog.String("cycle_id", rep.ID),
			slog.String("error", err.Error()),
		)
	}
}
