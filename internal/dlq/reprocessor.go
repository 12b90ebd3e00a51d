package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/observability"
	"alarm-dispatcher/internal/queue"
)

// Dispatcher is implemented by processor.Processor.
type Dispatcher interface {
	DispatchChannel(ctx context.Context, ev *alarms.Event, channel string) error
}

type ReprocessorConfig struct {
	Interval    time.Duration
	BatchSize   int
	MaxAttempts int
	// WorkerID is stamped into reprocessed_by for cycle-driven replays.
	WorkerID string
}

// Reprocessor periodically replays parked notifications and also
// executes admin-triggered reprocess commands arriving over the bus.
type Reprocessor struct {
	store   *Store
	disp    Dispatcher
	q       *queue.Queue
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     ReprocessorConfig

	sub  *nats.Subscription
	stop chan struct{}
	done chan struct{}
}

func NewReprocessor(store *Store, disp Dispatcher, q *queue.Queue,
	metrics *observability.Metrics, logger *zap.Logger, cfg ReprocessorConfig) *Reprocessor {
	if cfg.WorkerID == "" {
		cfg.WorkerID = "system"
	}
	return &Reprocessor{
		store:   store,
		disp:    disp,
		q:       q,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (r *Reprocessor) Start(ctx context.Context) error {
	sub, err := r.q.SubscribeReprocess(func(cmd *queue.ReprocessCommand) {
		r.runCommand(ctx, cmd)
	})
	if err != nil {
		return err
	}
	r.sub = sub

	go r.loop(ctx)
	r.logger.Info("DLQ reprocessor started", zap.Duration("interval", r.cfg.Interval))
	return nil
}

func (r *Reprocessor) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// cycle replays the oldest pending items.
func (r *Reprocessor) cycle(ctx context.Context) {
	items, err := r.store.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("failed to load pending DLQ items", zap.Error(err))
		return
	}
	for _, it := range items {
		r.replay(ctx, it, r.cfg.WorkerID)
	}
	r.gauge(ctx)
}

// runCommand handles one admin-triggered reprocess request.
func (r *Reprocessor) runCommand(ctx context.Context, cmd *queue.ReprocessCommand) {
	r.logger.Info("running admin reprocess command",
		zap.String("command_id", cmd.CommandID),
		zap.Int64("item_id", cmd.ItemID),
		zap.String("channel", cmd.Channel),
		zap.String("requested_by", cmd.RequestedBy))

	if cmd.ItemID != 0 {
		it, err := r.store.Get(ctx, cmd.ItemID)
		if err != nil {
			r.logger.Error("reprocess target not found", zap.Int64("item_id", cmd.ItemID), zap.Error(err))
			return
		}
		// An explicit operator request overrides gave_up.
		if it.ReprocessedAt == nil {
			r.replay(ctx, it, cmd.RequestedBy)
		}
		r.gauge(ctx)
		return
	}

	items, err := r.store.List(ctx, Filter{
		Channel:   cmd.Channel,
		ErrorType: cmd.ErrorType,
		Limit:     r.cfg.BatchSize,
	})
	if err != nil {
		r.logger.Error("failed to list DLQ items for command", zap.Error(err))
		return
	}
	for _, it := range items {
		if it.ReprocessedAt != nil {
			continue
		}
		r.replay(ctx, it, cmd.RequestedBy)
	}
	r.gauge(ctx)
}

func (r *Reprocessor) replay(ctx context.Context, it *Item, by string) {
	var ev alarms.Event
	if err := json.Unmarshal(it.Payload, &ev); err != nil {
		r.logger.Error("DLQ payload does not parse, giving up",
			zap.Int64("item_id", it.ID), zap.Error(err))
		if err := r.store.BumpAttempt(ctx, it.ID, "payload unmarshal: "+err.Error(), 1); err != nil {
			r.logger.Error("failed to record give-up", zap.Error(err))
		}
		return
	}

	err := r.disp.DispatchChannel(ctx, &ev, it.Channel)
	if err != nil {
		r.metrics.ReprocessedTotal.WithLabelValues(it.Channel, "failed").Inc()
		r.logger.Warn("DLQ replay failed",
			zap.Int64("item_id", it.ID),
			zap.Int64("alarm_id", it.AlarmID),
			zap.String("channel", it.Channel),
			zap.Error(err))
		if err := r.store.BumpAttempt(ctx, it.ID, err.Error(), r.cfg.MaxAttempts); err != nil {
			r.logger.Error("failed to bump DLQ attempt", zap.Error(err))
		}
		return
	}

	r.metrics.ReprocessedTotal.WithLabelValues(it.Channel, "success").Inc()
	if err := r.store.MarkReprocessed(ctx, it.ID, by); err != nil {
		r.logger.Error("failed to mark DLQ item reprocessed", zap.Error(err))
	}
	r.logger.Info("DLQ item replayed",
		zap.Int64("item_id", it.ID),
		zap.Int64("alarm_id", it.AlarmID),
		zap.String("channel", it.Channel),
		zap.String("by", by))
}

func (r *Reprocessor) gauge(ctx context.Context) {
	depth, err := r.store.Depth(ctx)
	if err != nil {
		r.logger.Warn("failed to read DLQ depth", zap.Error(err))
		return
	}
	r.metrics.DLQDepth.Set(float64(depth))
}

func (r *Reprocessor) Stop() {
	if r.sub != nil {
		if err := r.sub.Unsubscribe(); err != nil {
			r.logger.Warn("failed to unsubscribe reprocess commands", zap.Error(err))
		}
	}
	close(r.stop)
	<-r.done
}
