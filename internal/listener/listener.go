package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/queue"
)

const notifyChannel = "alarm_events"

// Listener bridges Postgres LISTEN/NOTIFY onto the bus: a trigger on
// the alarms table emits the event JSON as a NOTIFY payload, and this
// republishes it as a regular bus event. Deployments whose upstream
// parsers publish to the bus directly leave this disabled.
type Listener struct {
	pl     *pq.Listener
	q      *queue.Queue
	logger *zap.Logger

	stop chan struct{}
	done chan struct{}
}

func New(postgresURL string, q *queue.Queue, logger *zap.Logger) *Listener {
	pl := pq.NewListener(postgresURL, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				logger.Warn("postgres listener event", zap.Int("type", int(ev)), zap.Error(err))
			}
		})
	return &Listener{
		pl:     pl,
		q:      q,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (l *Listener) Start(ctx context.Context) error {
	if err := l.pl.Listen(notifyChannel); err != nil {
		return err
	}
	go l.run(ctx)
	l.logger.Info("postgres listener started", zap.String("channel", notifyChannel))
	return nil
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			return
		case n := <-l.pl.Notify:
			// nil notification signals a reconnect.
			if n == nil {
				continue
			}
			l.forward(ctx, n.Extra)
		case <-time.After(90 * time.Second):
			// Keep the connection verified while idle.
			if err := l.pl.Ping(); err != nil {
				l.logger.Warn("postgres listener ping failed", zap.Error(err))
			}
		}
	}
}

func (l *Listener) forward(ctx context.Context, payload string) {
	var ev alarms.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		l.logger.Error("notify payload does not parse", zap.Error(err))
		return
	}
	if err := l.q.PublishEvent(ctx, &ev); err != nil {
		// The trigger fired but publishing failed; the alarm stays
		// reachable through the admin reprocess endpoint.
		l.logger.Error("failed to republish notify event",
			zap.Int64("alarm_id", ev.AlarmID), zap.Error(err))
		return
	}
	l.logger.Debug("republished notify event", zap.Int64("alarm_id", ev.AlarmID))
}

func (l *Listener) Stop() {
	close(l.stop)
	<-l.done
	if err := l.pl.Close(); err != nil {
		l.logger.Warn("failed to close postgres listener", zap.Error(err))
	}
}
