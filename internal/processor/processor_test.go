package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/breaker"
	"alarm-dispatcher/internal/channels"
	"alarm-dispatcher/internal/db"
	"alarm-dispatcher/internal/dlq"
	"alarm-dispatcher/internal/gate"
	"alarm-dispatcher/internal/modempool"
	"alarm-dispatcher/internal/observability"
	"alarm-dispatcher/internal/rate"
	"alarm-dispatcher/internal/templates"
)

// One registration per test binary; promauto uses the default registry.
var testMetrics = observability.NewMetrics()

func strp(s string) *string { return &s }

type fakeStore struct {
	mu       sync.Mutex
	alarm    *alarms.Alarm
	contacts []alarms.Contact
	tokens   []alarms.PushToken
	dedup    alarms.DedupRecord
	attempts []alarms.NotificationAttempt
	marked   map[alarms.Channel]bool
	notified bool
	touches  int
}

func (s *fakeStore) GetAlarm(_ context.Context, id int64) (*alarms.Alarm, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.alarm == nil || s.alarm.ID != id {
		return nil, alarms.ErrNotFound
	}
	a := *s.alarm
	return &a, nil
}

func (s *fakeStore) MarkSent(_ context.Context, _ int64, ch alarms.Channel) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marked[ch] {
		return false, nil
	}
	s.marked[ch] = true
	return true, nil
}

func (s *fakeStore) Contacts(context.Context, string) ([]alarms.Contact, error) {
	return s.contacts, nil
}

func (s *fakeStore) RecordAttempt(_ context.Context, a *alarms.NotificationAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *fakeStore) TouchDedup(context.Context, string, string, time.Duration) (*alarms.DedupRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	rec := s.dedup
	return &rec, nil
}

func (s *fakeStore) MarkDedupNotified(context.Context, string, string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notified = true
	return nil
}

func (s *fakeStore) PushTokens(context.Context, string) ([]alarms.PushToken, error) {
	return s.tokens, nil
}

func (s *fakeStore) attemptsFor(ch alarms.Channel, status alarms.AttemptStatus) []alarms.NotificationAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []alarms.NotificationAttempt
	for _, a := range s.attempts {
		if a.Channel == ch && a.Status == status {
			out = append(out, a)
		}
	}
	return out
}

type fakeDLQ struct {
	mu    sync.Mutex
	items []dlq.Item
}

func (d *fakeDLQ) Add(_ context.Context, item *dlq.Item) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, *item)
	return nil
}

type fakeState struct{ st alarms.SystemState }

func (f *fakeState) Snapshot() alarms.SystemState { return f.st }

// stubAdapter replays a fixed result sequence, repeating the last entry.
type stubAdapter struct {
	mu      sync.Mutex
	calls   int
	results []channels.Result
}

func (a *stubAdapter) Name() string { return "stub" }

func (a *stubAdapter) Send(_ context.Context, _ *channels.Message) channels.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls
	if i >= len(a.results) {
		i = len(a.results) - 1
	}
	a.calls++
	return a.results[i]
}

func (a *stubAdapter) Healthy(context.Context) bool { return true }

func (a *stubAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func failResult(kind channels.ErrorKind) channels.Result {
	return channels.Result{Err: errors.New("provider error"), Kind: kind}
}

func okResult() channels.Result {
	return channels.Result{Success: true, ProviderMessageID: "p-1", ProviderName: "stub"}
}

type env struct {
	proc     *Processor
	store    *fakeStore
	dlq      *fakeDLQ
	state    *fakeState
	breakers *breaker.Set
	gate     *gate.Gate
	mr       *miniredis.Miniredis
}

func newTestEnv(t *testing.T, adapters map[alarms.Channel]channels.Adapter, cfg Config) *env {
	t.Helper()
	logger := zap.NewNop()

	mr := miniredis.RunT(t)
	rc := &db.RedisClient{Client: redis.NewClient(&redis.Options{Addr: mr.Addr()})}
	limiter := rate.NewLimiter(rc, logger, 1000, time.Minute, true)
	g := gate.New(rc, limiter, logger, []string{"sos"})

	mockDB, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	renderer := templates.NewRenderer(mockDB, logger)

	breakers := breaker.NewSet(alarms.AllChannels(), 5, time.Minute, logger)

	store := &fakeStore{
		marked: map[alarms.Channel]bool{},
		dedup:  alarms.DedupRecord{OccurrenceCount: 1},
	}
	dlqw := &fakeDLQ{}
	state := &fakeState{}

	if cfg.DedupWindow == 0 {
		cfg.DedupWindow = 5 * time.Minute
	}
	if cfg.MaxDeliveries == 0 {
		cfg.MaxDeliveries = 3
	}

	return &env{
		proc:     New(store, dlqw, state, g, breakers, renderer, adapters, testMetrics, logger, cfg),
		store:    store,
		dlq:      dlqw,
		state:    state,
		breakers: breakers,
		gate:     g,
		mr:       mr,
	}
}

func testAlarm() *alarms.Alarm {
	return &alarms.Alarm{
		ID:       1,
		IMEI:     "860000000000001",
		Status:   "speeding",
		Category: "driving",
		GPSTime:  time.Now().UTC(),
		IsValid:  true,
	}
}

func testEvent(a *alarms.Alarm) *alarms.Event {
	return &alarms.Event{AlarmID: a.ID, IMEI: a.IMEI, Status: a.Status, IsValid: 1}
}

func phoneContact(phone string) alarms.Contact {
	return alarms.Contact{Name: "ops", Phone: &phone, Active: true}
}

func emailContact(email string) alarms.Contact {
	return alarms.Contact{Name: "ops", Email: &email, Active: true}
}

func TestDispatchHappyPath(t *testing.T) {
	sms := channels.NewMockAdapter("sms")
	mail := channels.NewMockAdapter("email")
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{
		alarms.ChannelSMS:   sms,
		alarms.ChannelEmail: mail,
	}, Config{})

	alarm := testAlarm()
	alarm.IsSMS, alarm.IsEmail = true, true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{
		{Name: "ops", Phone: strp("+491111"), Email: strp("ops@example.com"), Active: true},
	}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if got := len(sms.Sent()); got != 1 {
		t.Errorf("sms adapter got %d messages, want 1", got)
	}
	if got := len(mail.Sent()); got != 1 {
		t.Errorf("email adapter got %d messages, want 1", got)
	}
	if !e.store.marked[alarms.ChannelSMS] || !e.store.marked[alarms.ChannelEmail] {
		t.Error("sent markers not flipped")
	}
	if e.store.touches != 1 {
		t.Errorf("dedup touched %d times, want once per event", e.store.touches)
	}
	if !e.store.notified {
		t.Error("dedup suppression not armed after success")
	}
	if n := len(e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptSuccess)); n != 1 {
		t.Errorf("sms success audit rows = %d, want 1", n)
	}
}

func TestDispatchDeduplicated(t *testing.T) {
	sms := channels.NewMockAdapter("sms")
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: sms}, Config{})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}
	e.store.dedup = alarms.DedupRecord{OccurrenceCount: 3, NotificationSent: true}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sms.Sent()) != 0 {
		t.Error("duplicate occurrence must not reach the adapter")
	}
	skips := e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptSkipped)
	if len(skips) != 1 || *skips[0].Error != gate.ReasonDeduplicated {
		t.Errorf("expected one deduplicated skip row, got %+v", skips)
	}
}

func TestDispatchCancelled(t *testing.T) {
	sms := channels.NewMockAdapter("sms")
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: sms}, Config{})

	alarm := testAlarm()
	alarm.IsSMS = true
	alarm.IsValid = false
	e.store.alarm = alarm

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sms.Sent()) != 0 {
		t.Error("cancelled alarm must not be delivered")
	}
	if e.store.touches != 0 {
		t.Error("cancelled alarm must not consume a dedup occurrence")
	}
	skips := e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptSkipped)
	if len(skips) != 1 || *skips[0].Error != gate.ReasonCancelled {
		t.Errorf("expected one cancelled skip row, got %+v", skips)
	}
}

func TestDispatchOrphanEvent(t *testing.T) {
	e := newTestEnv(t, nil, Config{})

	err := e.proc.Dispatch(context.Background(), &alarms.Event{AlarmID: 404}, 1)
	if err != nil {
		t.Errorf("orphan event must be dropped without error, got %v", err)
	}
}

func TestDispatchQuietHours(t *testing.T) {
	sms := channels.NewMockAdapter("sms")
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: sms}, Config{})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	contact := phoneContact("+491111")
	contact.QuietStart, contact.QuietEnd = strp("00:00"), strp("23:59")
	e.store.contacts = []alarms.Contact{contact}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(sms.Sent()) != 0 {
		t.Error("quiet hours must suppress delivery")
	}
	skips := e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptSkipped)
	if len(skips) != 1 || *skips[0].Error != gate.ReasonQuietHours {
		t.Errorf("expected quiet hours skip row, got %+v", skips)
	}
}

func TestDispatchPermanentFailureNoDLQ(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{failResult(channels.Permanent)}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("permanent failure must finish the event, got %v", err)
	}
	if len(e.dlq.items) != 0 {
		t.Error("permanent failure must not be parked in the DLQ")
	}
	if n := len(e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptPermanentFailure)); n != 1 {
		t.Errorf("permanent failure audit rows = %d, want 1", n)
	}
	if e.store.marked[alarms.ChannelSMS] {
		t.Error("failed channel must not be marked sent")
	}
}

func TestDispatchRetryableExhaustsToDLQ(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{failResult(channels.Retryable)}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{MaxDeliveries: 3})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}
	ev := testEvent(alarm)

	if err := e.proc.Dispatch(context.Background(), ev, 1); !errors.Is(err, ErrTransient) {
		t.Fatalf("early delivery should ask for a retry, got %v", err)
	}
	if len(e.dlq.items) != 0 {
		t.Fatal("must not park before deliveries are exhausted")
	}

	// Let the per-device limiter window lapse before the final attempt.
	e.mr.FastForward(61 * time.Second)

	if err := e.proc.Dispatch(context.Background(), ev, 3); err != nil {
		t.Fatalf("final delivery must settle into the DLQ, got %v", err)
	}
	if len(e.dlq.items) != 1 {
		t.Fatalf("DLQ items = %d, want 1", len(e.dlq.items))
	}
	item := e.dlq.items[0]
	if item.Channel != string(alarms.ChannelSMS) || item.ErrorType != string(channels.Retryable) {
		t.Errorf("parked item = %+v, want sms/retryable", item)
	}
	if len(item.Payload) == 0 {
		t.Error("parked item must carry the original event payload")
	}
}

func TestDispatchModemExhaustionErrorType(t *testing.T) {
	exhausted := channels.Result{
		Err:  fmt.Errorf("select modem: %w", modempool.ErrAllModemsExhausted),
		Kind: channels.Retryable,
	}
	stub := &stubAdapter{results: []channels.Result{exhausted}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{MaxDeliveries: 3})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 3); err != nil {
		t.Fatalf("final delivery must settle into the DLQ, got %v", err)
	}
	if len(e.dlq.items) != 1 {
		t.Fatalf("DLQ items = %d, want 1", len(e.dlq.items))
	}
	item := e.dlq.items[0]
	if item.ErrorType != "all_modems_exhausted" {
		t.Errorf("error_type = %q, want all_modems_exhausted", item.ErrorType)
	}
	if item.Channel != string(alarms.ChannelSMS) {
		t.Errorf("channel = %q, want sms", item.Channel)
	}
}

func TestDispatchCircuitOpenParksWithoutAudit(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{okResult()}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{})

	// Trip the sms breaker up front.
	for i := 0; i < 5; i++ {
		e.breakers.Do(alarms.ChannelSMS, func() error { return errors.New("down") })
	}
	if e.breakers.Allows(alarms.ChannelSMS) {
		t.Fatal("breaker should be open")
	}

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("open circuit must park, not retry, got %v", err)
	}
	if stub.callCount() != 0 {
		t.Error("adapter must not be called while the circuit is open")
	}
	if len(e.dlq.items) != 1 || e.dlq.items[0].ErrorType != "circuit_open" {
		t.Errorf("expected one circuit_open DLQ item, got %+v", e.dlq.items)
	}
	if n := len(e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptFailed)); n != 0 {
		t.Errorf("no audit row expected for an untried delivery, got %d", n)
	}
}

func TestDispatchFallsToNextContact(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{failResult(channels.Retryable), okResult()}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111"), phoneContact("+492222")}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.callCount() != 2 {
		t.Errorf("adapter calls = %d, want fallover to the second contact", stub.callCount())
	}
	if !e.store.marked[alarms.ChannelSMS] {
		t.Error("channel must be marked sent after the second contact succeeds")
	}
	if n := len(e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptFailed)); n != 1 {
		t.Errorf("failed audit rows = %d, want 1", n)
	}
	if n := len(e.store.attemptsFor(alarms.ChannelSMS, alarms.AttemptSuccess)); n != 1 {
		t.Errorf("success audit rows = %d, want 1", n)
	}
}

func TestDispatchRateLimitedStopsContactWalk(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{failResult(channels.RateLimited)}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{MaxDeliveries: 3})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111"), phoneContact("+492222")}

	err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1)
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("provider rate limit should requeue the event, got %v", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("adapter calls = %d; further contacts would hit the same limit", stub.callCount())
	}
}

func TestDispatchBounceSuppression(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{okResult()}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelEmail: stub}, Config{})

	alarm := testAlarm()
	alarm.IsEmail = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{emailContact("bounced@example.com"), emailContact("ok@example.com")}

	if err := e.gate.Suppress(context.Background(), "bounced@example.com"); err != nil {
		t.Fatalf("Suppress: %v", err)
	}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.callCount() != 1 {
		t.Errorf("adapter calls = %d, suppressed address must be skipped", stub.callCount())
	}
	succ := e.store.attemptsFor(alarms.ChannelEmail, alarms.AttemptSuccess)
	if len(succ) != 1 || succ[0].Recipient != "ok@example.com" {
		t.Errorf("success rows = %+v, want delivery to the clean address", succ)
	}
	skips := e.store.attemptsFor(alarms.ChannelEmail, alarms.AttemptSkipped)
	if len(skips) != 1 || *skips[0].Error != gate.ReasonBounced {
		t.Errorf("expected one bounce skip row, got %+v", skips)
	}
}

func TestDispatchSuppressionPrecedesRateLimit(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{okResult()}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelEmail: stub}, Config{})

	alarm := testAlarm()
	alarm.IsEmail = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{emailContact("bounced@example.com")}

	if err := e.gate.Suppress(context.Background(), "bounced@example.com"); err != nil {
		t.Fatalf("Suppress: %v", err)
	}
	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.callCount() != 0 {
		t.Fatalf("adapter calls = %d, fully suppressed list must not be delivered", stub.callCount())
	}

	// The suppressed dispatch must not have burned the device's rate
	// token: a clean recipient right after still goes out.
	e.store.contacts = []alarms.Contact{emailContact("ok@example.com")}
	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch clean recipient: %v", err)
	}
	succ := e.store.attemptsFor(alarms.ChannelEmail, alarms.AttemptSuccess)
	if len(succ) != 1 || succ[0].Recipient != "ok@example.com" {
		t.Errorf("success rows = %+v, want delivery to the clean address", succ)
	}
	for _, a := range e.store.attemptsFor(alarms.ChannelEmail, alarms.AttemptSkipped) {
		if a.Error != nil && *a.Error == gate.ReasonRateLimited {
			t.Error("suppressed recipients consumed a rate token")
		}
	}
}

func TestDispatchMockMode(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{failResult(channels.Retryable)}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{})
	e.state.st.MockSMS = true

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if stub.callCount() != 0 {
		t.Error("real adapter must not be called in mock mode")
	}
	mock, ok := e.proc.mockSMS.(*channels.MockAdapter)
	if !ok {
		t.Fatal("mock sms adapter has unexpected type")
	}
	if len(mock.Sent()) != 1 {
		t.Errorf("mock adapter recorded %d messages, want 1", len(mock.Sent()))
	}
}

func TestDispatchPushMulticast(t *testing.T) {
	push := channels.NewMockAdapter("push")
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelPush: push},
		Config{PushEnabled: true})

	alarm := testAlarm()
	alarm.IsCall = true
	e.store.alarm = alarm
	e.store.tokens = []alarms.PushToken{{Token: "tok-1"}, {Token: "tok-2"}}

	if err := e.proc.Dispatch(context.Background(), testEvent(alarm), 1); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	sent := push.Sent()
	if len(sent) != 1 {
		t.Fatalf("push messages = %d, want a single multicast", len(sent))
	}
	if len(sent[0].Tokens) != 2 || sent[0].Recipient != alarm.IMEI {
		t.Errorf("multicast message = %+v, want both tokens addressed to the device", sent[0])
	}
}

func TestDispatchChannelReplay(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{okResult()}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{})

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}

	if err := e.proc.DispatchChannel(context.Background(), testEvent(alarm), "sms"); err != nil {
		t.Fatalf("DispatchChannel: %v", err)
	}
	if !e.store.marked[alarms.ChannelSMS] {
		t.Error("replayed channel must be marked sent")
	}

	// Already-sent channels are a no-op.
	e.store.alarm.SMSSent = true
	before := stub.callCount()
	if err := e.proc.DispatchChannel(context.Background(), testEvent(alarm), "sms"); err != nil {
		t.Fatalf("replay of sent channel: %v", err)
	}
	if stub.callCount() != before {
		t.Error("sent channel must not be redelivered")
	}
}

func TestDispatchChannelOpenCircuit(t *testing.T) {
	stub := &stubAdapter{results: []channels.Result{okResult()}}
	e := newTestEnv(t, map[alarms.Channel]channels.Adapter{alarms.ChannelSMS: stub}, Config{})

	for i := 0; i < 5; i++ {
		e.breakers.Do(alarms.ChannelSMS, func() error { return errors.New("down") })
	}

	alarm := testAlarm()
	alarm.IsSMS = true
	e.store.alarm = alarm
	e.store.contacts = []alarms.Contact{phoneContact("+491111")}

	err := e.proc.DispatchChannel(context.Background(), testEvent(alarm), "sms")
	if !errors.Is(err, breaker.ErrCircuitOpen) {
		t.Errorf("replay against open circuit = %v, want ErrCircuitOpen", err)
	}
}
