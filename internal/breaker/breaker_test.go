package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

var errService = errors.New("service down")

func newTestSet(threshold int, cooldown time.Duration) *Set {
	return NewSet([]alarms.Channel{alarms.ChannelSMS, alarms.ChannelEmail}, threshold, cooldown, zap.NewNop())
}

func trip(t *testing.T, s *Set, ch alarms.Channel, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := s.Do(ch, func() error { return errService }); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("breaker opened after %d failures, threshold not respected", i)
		}
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	s := newTestSet(3, time.Minute)

	trip(t, s, alarms.ChannelSMS, 3)

	err := s.Do(alarms.ChannelSMS, func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen after threshold, got %v", err)
	}
	if s.Allows(alarms.ChannelSMS) {
		t.Error("Allows must be false while open")
	}

	// Other channels are independent.
	if err := s.Do(alarms.ChannelEmail, func() error { return nil }); err != nil {
		t.Errorf("email breaker should be unaffected, got %v", err)
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	s := newTestSet(3, time.Minute)

	trip(t, s, alarms.ChannelSMS, 2)
	if err := s.Do(alarms.ChannelSMS, func() error { return nil }); err != nil {
		t.Fatalf("success call failed: %v", err)
	}
	// Two more failures must not reach the threshold of three.
	trip(t, s, alarms.ChannelSMS, 2)
	if !s.Allows(alarms.ChannelSMS) {
		t.Error("breaker opened although consecutive failures were interrupted")
	}
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	s := newTestSet(2, 50*time.Millisecond)

	trip(t, s, alarms.ChannelSMS, 2)
	if s.Allows(alarms.ChannelSMS) {
		t.Fatal("breaker should be open")
	}

	time.Sleep(60 * time.Millisecond)

	// One probe is allowed; its success closes the breaker.
	if err := s.Do(alarms.ChannelSMS, func() error { return nil }); err != nil {
		t.Fatalf("half-open probe failed: %v", err)
	}
	if err := s.Do(alarms.ChannelSMS, func() error { return nil }); err != nil {
		t.Errorf("breaker should be closed after successful probe, got %v", err)
	}
}

func TestBreakerReset(t *testing.T) {
	s := newTestSet(2, time.Hour)

	trip(t, s, alarms.ChannelSMS, 2)
	if s.Allows(alarms.ChannelSMS) {
		t.Fatal("breaker should be open")
	}

	if !s.Reset(alarms.ChannelSMS) {
		t.Fatal("Reset returned false for known channel")
	}
	if err := s.Do(alarms.ChannelSMS, func() error { return nil }); err != nil {
		t.Errorf("breaker should forward after reset, got %v", err)
	}

	if s.Reset(alarms.Channel("fax")) {
		t.Error("Reset must return false for unknown channel")
	}
}

func TestBreakerStatus(t *testing.T) {
	s := newTestSet(2, time.Hour)

	st, ok := s.Status(alarms.ChannelSMS)
	if !ok || st.State != gobreaker.StateClosed.String() {
		t.Fatalf("fresh breaker status = %+v, %v", st, ok)
	}

	trip(t, s, alarms.ChannelSMS, 2)
	st, _ = s.Status(alarms.ChannelSMS)
	if st.State != gobreaker.StateOpen.String() {
		t.Errorf("state = %s, want open", st.State)
	}
	if st.OpenedAt == nil {
		t.Error("OpenedAt should be recorded for an open breaker")
	}

	if got := len(s.Statuses()); got != 2 {
		t.Errorf("Statuses() returned %d entries, want 2", got)
	}
}

func TestStateChangeHook(t *testing.T) {
	s := newTestSet(2, time.Hour)
	var transitions []gobreaker.State
	s.OnStateChange(func(_ alarms.Channel, to gobreaker.State) {
		transitions = append(transitions, to)
	})

	trip(t, s, alarms.ChannelSMS, 2)
	if len(transitions) == 0 || transitions[len(transitions)-1] != gobreaker.StateOpen {
		t.Errorf("expected hook to observe the open transition, got %v", transitions)
	}
}
