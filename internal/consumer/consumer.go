package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/dlq"
	"alarm-dispatcher/internal/observability"
	"alarm-dispatcher/internal/processor"
	"alarm-dispatcher/internal/queue"
)

const (
	durableName = "alarm-dispatcher"
	queueGroup  = "alarm-workers"
)

// Dispatcher is implemented by processor.Processor.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *alarms.Event, delivery int) error
}

// DLQWriter parks events that exhausted their bus deliveries before
// reaching channel fan-out.
type DLQWriter interface {
	Add(ctx context.Context, item *dlq.Item) error
}

// StateSource exposes the shared pause flag.
type StateSource interface {
	Snapshot() alarms.SystemState
}

type Config struct {
	Prefetch      int
	WorkerCount   int
	MaxDeliveries int
	PausedRequeue time.Duration
	RetryMin      time.Duration
	RetryMax      time.Duration
	RetryFactor   float64
}

// Consumer pulls alarm events off the durable JetStream consumer and
// feeds a bounded worker pool. Acking is explicit: an event is acked
// only once Dispatch declares it finished, nacked with a delay when it
// should come back, and terminated when it can never be parsed.
type Consumer struct {
	q       *queue.Queue
	disp    Dispatcher
	dlqw    DLQWriter
	state   StateSource
	metrics *observability.Metrics
	logger  *zap.Logger
	cfg     Config

	sub     *nats.Subscription
	jobChan chan *nats.Msg
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(q *queue.Queue, disp Dispatcher, dlqw DLQWriter, state StateSource,
	metrics *observability.Metrics, logger *zap.Logger, cfg Config) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		q:       q,
		disp:    disp,
		dlqw:    dlqw,
		state:   state,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		jobChan: make(chan *nats.Msg, cfg.Prefetch),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Consumer) Start() error {
	sub, err := c.q.JetStream().QueueSubscribe(
		queue.SubjectEventsAll,
		queueGroup,
		func(msg *nats.Msg) {
			select {
			case c.jobChan <- msg:
			case <-c.ctx.Done():
				// Shutting down: leave the message unacked so it is
				// redelivered to another instance.
			}
		},
		nats.Durable(durableName),
		nats.ManualAck(),
		nats.AckWait(2*time.Minute),
		nats.MaxAckPending(c.cfg.Prefetch),
		// No server-side MaxDeliver: the delivery cap is enforced in
		// handle, which parks to the DLQ and acks. A server cap would
		// stop redelivery without a terminal outcome.
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", queue.SubjectEventsAll, err)
	}
	c.sub = sub

	for i := 0; i < c.cfg.WorkerCount; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	c.metrics.ActiveWorkers.Set(float64(c.cfg.WorkerCount))

	c.logger.Info("consumer started",
		zap.String("subject", queue.SubjectEventsAll),
		zap.String("durable", durableName),
		zap.Int("workers", c.cfg.WorkerCount),
		zap.Int("prefetch", c.cfg.Prefetch))
	return nil
}

func (c *Consumer) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.jobChan:
			c.handle(msg)
		}
	}
}

func (c *Consumer) handle(msg *nats.Msg) {
	delivery := 1
	if meta, err := msg.Metadata(); err == nil {
		delivery = int(meta.NumDelivered)
	}

	var ev alarms.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		// A payload that does not parse never will; do not redeliver.
		c.logger.Error("malformed alarm event, terminating",
			zap.String("subject", msg.Subject), zap.Error(err))
		c.metrics.AlarmsConsumedTotal.WithLabelValues("malformed").Inc()
		c.term(msg)
		return
	}

	if !c.awaitResume(msg) {
		// Shutdown interrupted the paused hold: leave the message
		// unacked so another instance picks it up.
		return
	}

	// Independent of the consumer context so an in-flight dispatch can
	// finish during shutdown; the deadline mirrors the ack wait.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	err := c.disp.Dispatch(ctx, &ev, delivery)
	switch {
	case err == nil:
		c.ack(msg)
	case errors.Is(err, processor.ErrTransient):
		if delivery >= c.cfg.MaxDeliveries {
			c.parkEvent(ctx, &ev, err)
			c.ack(msg)
			return
		}
		c.nak(msg, c.backoff(delivery))
	default:
		c.logger.Error("dispatch failed",
			zap.Int64("alarm_id", ev.AlarmID), zap.Error(err))
		if delivery >= c.cfg.MaxDeliveries {
			c.parkEvent(ctx, &ev, err)
			c.ack(msg)
			return
		}
		c.nak(msg, c.backoff(delivery))
	}
}

// awaitResume holds a checked-out message while the system is paused,
// extending the ack window each cycle. Holding instead of nacking keeps
// the paused loop from advancing the server-side delivery count, so a
// long pause can neither strand the message nor burn through its
// dispatch attempts before the first real try. Returns false when
// shutdown interrupted the wait; the message stays unacked.
func (c *Consumer) awaitResume(msg *nats.Msg) bool {
	for c.state.Snapshot().Paused {
		c.metrics.PausedRequeuesTotal.Inc()
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(c.cfg.PausedRequeue):
		}
		if err := msg.InProgress(); err != nil {
			c.logger.Warn("failed to extend ack window while paused", zap.Error(err))
		}
	}
	return true
}

// parkEvent writes a whole-event DLQ item when deliveries are spent
// before the channels could be fanned out.
func (c *Consumer) parkEvent(ctx context.Context, ev *alarms.Event, cause error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		c.logger.Error("failed to marshal event for DLQ", zap.Int64("alarm_id", ev.AlarmID), zap.Error(err))
		return
	}
	item := &dlq.Item{
		AlarmID:   ev.AlarmID,
		IMEI:      ev.IMEI,
		Channel:   dlq.ChannelAll,
		ErrorType: "retryable",
		LastError: cause.Error(),
		Payload:   payload,
	}
	if err := c.dlqw.Add(ctx, item); err != nil {
		c.logger.Error("failed to park exhausted event",
			zap.Int64("alarm_id", ev.AlarmID), zap.Error(err))
		return
	}
	c.metrics.DLQWritesTotal.WithLabelValues(dlq.ChannelAll, "retryable").Inc()
}

// backoff grows exponentially with the delivery count, capped.
func (c *Consumer) backoff(delivery int) time.Duration {
	d := time.Duration(float64(c.cfg.RetryMin) * math.Pow(c.cfg.RetryFactor, float64(delivery-1)))
	if d > c.cfg.RetryMax {
		return c.cfg.RetryMax
	}
	if d < c.cfg.RetryMin {
		return c.cfg.RetryMin
	}
	return d
}

func (c *Consumer) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("ack failed", zap.Error(err))
	}
}

func (c *Consumer) nak(msg *nats.Msg, delay time.Duration) {
	if err := msg.NakWithDelay(delay); err != nil {
		c.logger.Warn("nak failed", zap.Error(err))
	}
}

func (c *Consumer) term(msg *nats.Msg) {
	if err := msg.Term(); err != nil {
		c.logger.Warn("term failed", zap.Error(err))
	}
}

// Stop drains the subscription and waits for in-flight work up to the
// grace period.
func (c *Consumer) Stop(grace time.Duration) error {
	c.logger.Info("stopping consumer")

	if c.sub != nil {
		if err := c.sub.Drain(); err != nil {
			c.logger.Warn("subscription drain failed", zap.Error(err))
		}
	}
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.metrics.ActiveWorkers.Set(0)
		c.logger.Info("consumer stopped")
		return nil
	case <-time.After(grace):
		return fmt.Errorf("consumer shutdown timeout exceeded")
	}
}
