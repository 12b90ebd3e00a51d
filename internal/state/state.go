package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

// Manager keeps an in-memory copy of the single shared system-state row
// (alarms_system_state, id = 1) and refreshes it on an interval so
// every worker converges on pause/mock changes within one reload
// period.
type Manager struct {
	db     alarms.DBTX
	logger *zap.Logger

	mu    sync.RWMutex
	cur   alarms.SystemState
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func NewManager(db alarms.DBTX, logger *zap.Logger) *Manager {
	return &Manager{
		db:     db,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Load fetches the current row, seeding it if missing. Called once at
// startup before the consumer starts.
func (m *Manager) Load(ctx context.Context) error {
	query := `INSERT INTO alarms_system_state (id, paused, mock_sms, mock_email)
		VALUES (1, false, false, false)
		ON CONFLICT (id) DO UPDATE SET id = alarms_system_state.id
		RETURNING paused, pause_reason, paused_by, mock_sms, mock_email`

	var st alarms.SystemState
	err := m.db.QueryRowContext(ctx, query).Scan(
		&st.Paused, &st.PauseReason, &st.PausedBy, &st.MockSMS, &st.MockEmail)
	if err != nil {
		return fmt.Errorf("failed to load system state: %w", err)
	}

	m.mu.Lock()
	m.cur = st
	m.mu.Unlock()
	return nil
}

// Run reloads the row on the given interval until the context ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				if err := m.Load(ctx); err != nil {
					m.logger.Warn("system state reload failed, keeping last known state", zap.Error(err))
				}
			}
		}
	}()
}

// Snapshot returns the last loaded state.
func (m *Manager) Snapshot() alarms.SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// SetPaused persists the pause flag and applies it locally immediately;
// other instances pick it up on their next reload.
func (m *Manager) SetPaused(ctx context.Context, paused bool, reason, by string) error {
	var reasonPtr, byPtr *string
	if paused {
		reasonPtr, byPtr = &reason, &by
	}

	_, err := m.db.ExecContext(ctx,
		`UPDATE alarms_system_state SET paused = $1, pause_reason = $2, paused_by = $3 WHERE id = 1`,
		paused, reasonPtr, byPtr)
	if err != nil {
		return fmt.Errorf("failed to set paused: %w", err)
	}

	m.mu.Lock()
	m.cur.Paused = paused
	m.cur.PauseReason = reasonPtr
	m.cur.PausedBy = byPtr
	m.mu.Unlock()

	m.logger.Info("system pause state changed",
		zap.Bool("paused", paused), zap.String("by", by), zap.String("reason", reason))
	return nil
}

// SetMock persists the mock flags for SMS and email delivery.
func (m *Manager) SetMock(ctx context.Context, mockSMS, mockEmail bool) error {
	_, err := m.db.ExecContext(ctx,
		`UPDATE alarms_system_state SET mock_sms = $1, mock_email = $2 WHERE id = 1`,
		mockSMS, mockEmail)
	if err != nil {
		return fmt.Errorf("failed to set mock flags: %w", err)
	}

	m.mu.Lock()
	m.cur.MockSMS = mockSMS
	m.cur.MockEmail = mockEmail
	m.mu.Unlock()

	m.logger.Info("mock flags changed",
		zap.Bool("mock_sms", mockSMS), zap.Bool("mock_email", mockEmail))
	return nil
}

func (m *Manager) Stop() {
	m.once.Do(func() { close(m.stop) })
	<-m.done
}
