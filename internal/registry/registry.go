package registry

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

// Registry tracks live worker instances in alarms_workers via periodic
// heartbeats. Rows with a heartbeat older than three intervals are
// swept, so a crashed worker disappears from the admin view on its own.
type Registry struct {
	db       alarms.DBTX
	logger   *zap.Logger
	interval time.Duration
	workerID string
	host     string
	pid      int

	stop chan struct{}
	done chan struct{}
}

func New(db alarms.DBTX, logger *zap.Logger, interval time.Duration) *Registry {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	pid := os.Getpid()
	return &Registry{
		db:       db,
		logger:   logger,
		interval: interval,
		workerID: fmt.Sprintf("%s-%d", host, pid),
		host:     host,
		pid:      pid,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *Registry) WorkerID() string { return r.workerID }

// Register inserts this worker's row and starts the heartbeat loop.
func (r *Registry) Register(ctx context.Context) error {
	query := `INSERT INTO alarms_workers (worker_id, host, pid, started_at, last_heartbeat)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (worker_id) DO UPDATE SET started_at = now(), last_heartbeat = now()`
	if _, err := r.db.ExecContext(ctx, query, r.workerID, r.host, r.pid); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	r.logger.Info("worker registered", zap.String("worker_id", r.workerID))

	go r.loop(ctx)
	return nil
}

func (r *Registry) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Registry) beat(ctx context.Context) {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE alarms_workers SET last_heartbeat = now() WHERE worker_id = $1`, r.workerID); err != nil {
		r.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}

	// Sweep rows of workers that stopped heartbeating.
	cutoff := fmt.Sprintf("%d seconds", int((3 * r.interval).Seconds()))
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM alarms_workers WHERE last_heartbeat < now() - $1::interval`, cutoff); err != nil {
		r.logger.Warn("stale worker sweep failed", zap.Error(err))
	}
}

// Workers lists all registered instances.
func (r *Registry) Workers(ctx context.Context) ([]alarms.WorkerRegistration, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT worker_id, host, pid, started_at, last_heartbeat
		 FROM alarms_workers ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []alarms.WorkerRegistration
	for rows.Next() {
		var w alarms.WorkerRegistration
		if err := rows.Scan(&w.WorkerID, &w.Host, &w.PID, &w.StartedAt, &w.LastHeartbeat); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Stats summarizes the fleet for the admin API.
type Stats struct {
	Total int `json:"total"`
	Live  int `json:"live"`
}

func (r *Registry) Stats(ctx context.Context) (Stats, error) {
	cutoff := fmt.Sprintf("%d seconds", int((3 * r.interval).Seconds()))
	var s Stats
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*), count(*) FILTER (WHERE last_heartbeat > now() - $1::interval)
		 FROM alarms_workers`, cutoff).Scan(&s.Total, &s.Live)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read worker stats: %w", err)
	}
	return s, nil
}

// Deregister removes this worker's row and stops the heartbeat.
func (r *Registry) Deregister(ctx context.Context) {
	close(r.stop)
	<-r.done
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM alarms_workers WHERE worker_id = $1`, r.workerID); err != nil {
		r.logger.Warn("failed to deregister worker", zap.Error(err))
	}
	r.logger.Info("worker deregistered", zap.String("worker_id", r.workerID))
}
