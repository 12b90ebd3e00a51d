package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

// ErrCircuitOpen is returned while a channel breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// Status is the admin-visible view of one channel breaker.
type Status struct {
	Channel             alarms.Channel `json:"channel"`
	State               string         `json:"state"`
	ConsecutiveFailures uint32         `json:"consecutive_failures"`
	OpenedAt            *time.Time     `json:"opened_at,omitempty"`
}

// Set holds one three-state breaker per channel. closed forwards calls;
// `threshold` consecutive service-level failures open it; after
// `cooldown` a single probe is allowed (half-open) and its outcome
// closes or re-opens the breaker.
type Set struct {
	mu        sync.RWMutex
	breakers  map[alarms.Channel]*gobreaker.CircuitBreaker
	openedAt  map[alarms.Channel]time.Time
	threshold uint32
	cooldown  time.Duration
	logger    *zap.Logger
	onState   func(ch alarms.Channel, state gobreaker.State)
}

func NewSet(channels []alarms.Channel, threshold int, cooldown time.Duration, logger *zap.Logger) *Set {
	s := &Set{
		breakers:  make(map[alarms.Channel]*gobreaker.CircuitBreaker, len(channels)),
		openedAt:  make(map[alarms.Channel]time.Time, len(channels)),
		threshold: uint32(threshold),
		cooldown:  cooldown,
		logger:    logger,
	}
	for _, ch := range channels {
		s.breakers[ch] = s.newBreaker(ch)
	}
	return s
}

// OnStateChange registers a hook fired on every transition (metrics).
func (s *Set) OnStateChange(fn func(ch alarms.Channel, state gobreaker.State)) {
	s.onState = fn
}

func (s *Set) newBreaker(ch alarms.Channel) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(ch),
		MaxRequests: 1, // exactly one half-open probe
		Timeout:     s.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Warn("circuit breaker state change",
				zap.String("channel", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				s.mu.Lock()
				s.openedAt[ch] = time.Now()
				s.mu.Unlock()
			}
			if s.onState != nil {
				s.onState(ch, to)
			}
		},
	})
}

func (s *Set) breaker(ch alarms.Channel) *gobreaker.CircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[ch]
}

// Do runs fn under the channel's breaker. fn must return a non-nil
// error only for service-level failures (timeouts, 5xx, connection
// errors); client errors are surfaced through other means and must not
// trip the breaker.
func (s *Set) Do(ch alarms.Channel, fn func() error) error {
	cb := s.breaker(ch)
	if cb == nil {
		return fn()
	}
	_, err := cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Allows reports whether a call on ch would currently be forwarded.
func (s *Set) Allows(ch alarms.Channel) bool {
	cb := s.breaker(ch)
	if cb == nil {
		return true
	}
	return cb.State() != gobreaker.StateOpen
}

func (s *Set) Status(ch alarms.Channel) (Status, bool) {
	cb := s.breaker(ch)
	if cb == nil {
		return Status{}, false
	}
	st := Status{
		Channel:             ch,
		State:               cb.State().String(),
		ConsecutiveFailures: cb.Counts().ConsecutiveFailures,
	}
	s.mu.RLock()
	if t, ok := s.openedAt[ch]; ok && cb.State() != gobreaker.StateClosed {
		opened := t
		st.OpenedAt = &opened
	}
	s.mu.RUnlock()
	return st, true
}

func (s *Set) Statuses() []Status {
	s.mu.RLock()
	channels := make([]alarms.Channel, 0, len(s.breakers))
	for ch := range s.breakers {
		channels = append(channels, ch)
	}
	s.mu.RUnlock()

	out := make([]Status, 0, len(channels))
	for _, ch := range channels {
		if st, ok := s.Status(ch); ok {
			out = append(out, st)
		}
	}
	return out
}

// Reset forces a channel breaker back to closed by swapping in a fresh
// instance (gobreaker has no explicit reset).
func (s *Set) Reset(ch alarms.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.breakers[ch]; !ok {
		return false
	}
	s.breakers[ch] = s.newBreaker(ch)
	delete(s.openedAt, ch)
	s.logger.Info("circuit breaker reset", zap.String("channel", string(ch)))
	return true
}
