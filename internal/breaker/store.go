package breaker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

// WorkerStatus is one worker's view of one channel breaker, as
// persisted in alarms_breakers. The admin API reads this table because
// breaker state is in-memory per worker process.
type WorkerStatus struct {
	WorkerID  string         `json:"worker_id"`
	Channel   alarms.Channel `json:"channel"`
	State     string         `json:"state"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Store persists breaker state transitions.
type Store struct {
	db     alarms.DBTX
	logger *zap.Logger
}

func NewStore(db alarms.DBTX, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Record upserts this worker's state for one channel. Called from the
// breaker's state-change hook, so it must not fail the caller.
func (s *Store) Record(ctx context.Context, workerID string, ch alarms.Channel, state string) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alarms_breakers (worker_id, channel, state, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (worker_id, channel) DO UPDATE SET state = $3, updated_at = now()`,
		workerID, ch, state)
	if err != nil {
		s.logger.Warn("failed to record breaker state",
			zap.String("channel", string(ch)), zap.Error(err))
	}
}

// List returns rows updated within maxAge, so breakers of dead workers
// age out of the admin view.
func (s *Store) List(ctx context.Context, maxAge time.Duration) ([]WorkerStatus, error) {
	cutoff := fmt.Sprintf("%d seconds", int(maxAge.Seconds()))
	rows, err := s.db.QueryContext(ctx,
		`SELECT worker_id, channel, state, updated_at FROM alarms_breakers
		 WHERE updated_at > now() - $1::interval ORDER BY worker_id, channel`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list breaker states: %w", err)
	}
	defer rows.Close()

	var out []WorkerStatus
	for rows.Next() {
		var w WorkerStatus
		if err := rows.Scan(&w.WorkerID, &w.Channel, &w.State, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan breaker state: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Cleanup removes this worker's rows on shutdown.
func (s *Store) Cleanup(ctx context.Context, workerID string) {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM alarms_breakers WHERE worker_id = $1`, workerID); err != nil {
		s.logger.Warn("failed to clean up breaker rows", zap.Error(err))
	}
}
