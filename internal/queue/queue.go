package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

const (
	// StreamName holds all alarm event subjects.
	StreamName = "ALARMS"
	// SubjectPrefix is completed with the alarm status, e.g.
	// alarms.events.sos.
	SubjectPrefix = "alarms.events."
	// SubjectEventsAll is the consumer-side filter.
	SubjectEventsAll = "alarms.events.>"
	// SubjectReprocess carries admin-triggered DLQ reprocess commands
	// from the API to whichever worker picks them up.
	SubjectReprocess = "alarms.dlq.reprocess"
	// SubjectBreakerReset tells every worker to reset one channel's
	// circuit breaker.
	SubjectBreakerReset = "alarms.breakers.reset"
)

// BreakerResetCommand asks workers to force a channel breaker closed.
type BreakerResetCommand struct {
	Channel     string `json:"channel"`
	RequestedBy string `json:"requested_by"`
}

// ReprocessCommand is an admin request to run a DLQ cycle now, with
// optional filters. ItemID != 0 targets a single DLQ row.
type ReprocessCommand struct {
	CommandID   string    `json:"command_id"`
	ItemID      int64     `json:"item_id,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	ErrorType   string    `json:"error_type,omitempty"`
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// Queue wraps the NATS connection and its JetStream context.
type Queue struct {
	conn   *nats.Conn
	js     nats.JetStreamContext
	logger *zap.Logger
}

func New(natsURL string, logger *zap.Logger) (*Queue, error) {
	opts := []nats.Option{
		nats.Name("Alarm Dispatcher"),
		nats.Timeout(10 * time.Second),
		nats.ReconnectWait(5 * time.Second),
		nats.MaxReconnects(-1), // Infinite reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Error("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("NATS connection closed")
		}),
	}

	conn, err := nats.Connect(natsURL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", conn.ConnectedUrl()))

	return &Queue{conn: conn, js: js, logger: logger}, nil
}

// EnsureStream creates the alarm event stream if it does not exist yet.
// Safe to call from every instance at startup.
func (q *Queue) EnsureStream() error {
	_, err := q.js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	_, err = q.js.AddStream(&nats.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{SubjectEventsAll},
		Retention: nats.WorkQueuePolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	q.logger.Info("created stream", zap.String("stream", StreamName))
	return nil
}

// PublishEvent publishes one alarm event onto the bus, keyed by status
// so operators can filter subscriptions per alarm type.
func (q *Queue) PublishEvent(ctx context.Context, ev *alarms.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := SubjectPrefix + ev.Status
	if _, err := q.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	q.logger.Debug("published alarm event",
		zap.Int64("alarm_id", ev.AlarmID),
		zap.String("subject", subject))
	return nil
}

// PublishReprocess sends a DLQ reprocess command to the workers. Plain
// core NATS: the command is an operator action, losing it during an
// outage is acceptable and the periodic cycle covers the gap.
func (q *Queue) PublishReprocess(cmd *ReprocessCommand) error {
	cmd.CommandID = uuid.NewString()
	cmd.RequestedAt = time.Now().UTC()
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal reprocess command: %w", err)
	}
	if err := q.conn.Publish(SubjectReprocess, data); err != nil {
		return fmt.Errorf("failed to publish reprocess command: %w", err)
	}
	q.logger.Info("published reprocess command",
		zap.String("command_id", cmd.CommandID),
		zap.Int64("item_id", cmd.ItemID),
		zap.String("channel", cmd.Channel),
		zap.String("requested_by", cmd.RequestedBy))
	return nil
}

// SubscribeReprocess delivers admin reprocess commands to handler. Uses
// a queue group so one worker handles each command.
func (q *Queue) SubscribeReprocess(handler func(cmd *ReprocessCommand)) (*nats.Subscription, error) {
	return q.conn.QueueSubscribe(SubjectReprocess, "dlq-reprocess", func(msg *nats.Msg) {
		var cmd ReprocessCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			q.logger.Error("failed to unmarshal reprocess command", zap.Error(err))
			return
		}
		handler(&cmd)
	})
}

// PublishBreakerReset broadcasts a breaker reset to all workers.
func (q *Queue) PublishBreakerReset(cmd *BreakerResetCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal breaker reset: %w", err)
	}
	if err := q.conn.Publish(SubjectBreakerReset, data); err != nil {
		return fmt.Errorf("failed to publish breaker reset: %w", err)
	}
	q.logger.Info("published breaker reset",
		zap.String("channel", cmd.Channel),
		zap.String("requested_by", cmd.RequestedBy))
	return nil
}

// SubscribeBreakerReset delivers reset commands. Plain subscribe, no
// queue group: every worker holds its own breakers and each must reset.
func (q *Queue) SubscribeBreakerReset(handler func(cmd *BreakerResetCommand)) (*nats.Subscription, error) {
	return q.conn.Subscribe(SubjectBreakerReset, func(msg *nats.Msg) {
		var cmd BreakerResetCommand
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			q.logger.Error("failed to unmarshal breaker reset", zap.Error(err))
			return
		}
		handler(&cmd)
	})
}

// JetStream exposes the context for the consumer.
func (q *Queue) JetStream() nats.JetStreamContext { return q.js }

func (q *Queue) HealthCheck(ctx context.Context) error {
	if q.conn.Status() != nats.CONNECTED {
		return fmt.Errorf("NATS not connected, status: %v", q.conn.Status())
	}
	return nil
}

func (q *Queue) Close() error {
	q.conn.Close()
	return nil
}
