package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/breaker"
	"alarm-dispatcher/internal/channels"
	"alarm-dispatcher/internal/dlq"
	"alarm-dispatcher/internal/gate"
	"alarm-dispatcher/internal/modempool"
	"alarm-dispatcher/internal/observability"
	"alarm-dispatcher/internal/templates"
)

// ErrTransient tells the consumer the event should come back on the
// bus for another delivery.
var ErrTransient = errors.New("transient dispatch failure")

// Store is the subset of the alarm store the processor needs.
type Store interface {
	GetAlarm(ctx context.Context, id int64) (*alarms.Alarm, error)
	MarkSent(ctx context.Context, alarmID int64, ch alarms.Channel) (bool, error)
	Contacts(ctx context.Context, imei string) ([]alarms.Contact, error)
	RecordAttempt(ctx context.Context, a *alarms.NotificationAttempt) error
	TouchDedup(ctx context.Context, imei, alarmType string, window time.Duration) (*alarms.DedupRecord, error)
	MarkDedupNotified(ctx context.Context, imei, alarmType string) error
	PushTokens(ctx context.Context, imei string) ([]alarms.PushToken, error)
}

// DLQWriter parks notifications that cannot be delivered.
type DLQWriter interface {
	Add(ctx context.Context, item *dlq.Item) error
}

// StateSource exposes the shared pause/mock state.
type StateSource interface {
	Snapshot() alarms.SystemState
}

type Config struct {
	DedupWindow   time.Duration
	MaxDeliveries int
	PushEnabled   bool
}

// Processor fans one alarm event out to its channels and drives each
// channel through gating, rendering, delivery, audit and dead-letter
// handling.
type Processor struct {
	store    Store
	dlqw     DLQWriter
	state    StateSource
	gate     *gate.Gate
	breakers *breaker.Set
	renderer *templates.Renderer
	adapters map[alarms.Channel]channels.Adapter
	mockSMS  channels.Adapter
	mockMail channels.Adapter
	metrics  *observability.Metrics
	logger   *zap.Logger
	cfg      Config
}

func New(
	store Store,
	dlqw DLQWriter,
	state StateSource,
	g *gate.Gate,
	breakers *breaker.Set,
	renderer *templates.Renderer,
	adapters map[alarms.Channel]channels.Adapter,
	metrics *observability.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Processor {
	return &Processor{
		store:    store,
		dlqw:     dlqw,
		state:    state,
		gate:     g,
		breakers: breakers,
		renderer: renderer,
		adapters: adapters,
		mockSMS:  channels.NewMockAdapter("sms"),
		mockMail: channels.NewMockAdapter("email"),
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// adapter returns the effective adapter for ch, honoring mock mode.
func (p *Processor) adapter(ch alarms.Channel) channels.Adapter {
	st := p.state.Snapshot()
	switch {
	case ch == alarms.ChannelSMS && st.MockSMS:
		return p.mockSMS
	case ch == alarms.ChannelEmail && st.MockEmail:
		return p.mockMail
	}
	return p.adapters[ch]
}

// Dispatch processes one bus event. delivery is the bus delivery count
// (1 on first attempt). A nil return means the event is finished (the
// message may be acked); ErrTransient means it should be redelivered.
func (p *Processor) Dispatch(ctx context.Context, ev *alarms.Event, delivery int) error {
	alarm, err := p.store.GetAlarm(ctx, ev.AlarmID)
	if errors.Is(err, alarms.ErrNotFound) {
		p.logger.Warn("alarm not found, dropping event", zap.Int64("alarm_id", ev.AlarmID))
		p.metrics.AlarmsConsumedTotal.WithLabelValues("orphan").Inc()
		return nil
	}
	if err != nil {
		p.logger.Error("failed to load alarm", zap.Int64("alarm_id", ev.AlarmID), zap.Error(err))
		return ErrTransient
	}

	eligible := p.eligibleChannels(alarm)
	if !alarm.IsValid {
		for _, ch := range eligible {
			p.recordSkip(ctx, alarm, ch, gate.ReasonCancelled)
		}
		p.metrics.AlarmsConsumedTotal.WithLabelValues("cancelled").Inc()
		return nil
	}
	if len(eligible) == 0 {
		p.metrics.AlarmsConsumedTotal.WithLabelValues("noop").Inc()
		return nil
	}

	// One dedup touch per event, before fan-out, so parallel channel
	// goroutines cannot double-count the occurrence.
	rec, err := p.store.TouchDedup(ctx, alarm.IMEI, alarm.Status, p.cfg.DedupWindow)
	if err != nil {
		p.logger.Error("dedup touch failed", zap.Int64("alarm_id", alarm.ID), zap.Error(err))
		return ErrTransient
	}
	if rec.NotificationSent {
		for _, ch := range eligible {
			p.recordSkip(ctx, alarm, ch, gate.ReasonDeduplicated)
		}
		p.metrics.AlarmsConsumedTotal.WithLabelValues("deduplicated").Inc()
		return nil
	}

	var g errgroup.Group
	for _, ch := range eligible {
		g.Go(func() error {
			return p.processChannel(ctx, alarm, ev, ch, delivery)
		})
	}
	err = g.Wait()

	if err == nil {
		p.metrics.AlarmsConsumedTotal.WithLabelValues("ok").Inc()
		return nil
	}
	p.metrics.AlarmsConsumedTotal.WithLabelValues("retry").Inc()
	return err
}

// eligibleChannels returns the channels this alarm still needs: flag
// set, not yet marked sent, an adapter wired, and for push the feature
// flag on.
func (p *Processor) eligibleChannels(alarm *alarms.Alarm) []alarms.Channel {
	var out []alarms.Channel
	for _, ch := range alarms.AllChannels() {
		if !alarm.Wants(ch) || alarm.SentOn(ch) {
			continue
		}
		if ch == alarms.ChannelPush && !p.cfg.PushEnabled {
			continue
		}
		if p.adapters[ch] == nil {
			continue
		}
		out = append(out, ch)
	}
	return out
}

// processChannel delivers one channel of one alarm: gate, render, then
// walk contacts in priority order until one delivery sticks.
func (p *Processor) processChannel(ctx context.Context, alarm *alarms.Alarm, ev *alarms.Event, ch alarms.Channel, delivery int) error {
	contacts, err := p.store.Contacts(ctx, alarm.IMEI)
	if err != nil {
		p.logger.Error("failed to load contacts",
			zap.Int64("alarm_id", alarm.ID), zap.String("channel", string(ch)), zap.Error(err))
		return ErrTransient
	}

	if d := p.gate.Check(ctx, alarm, ch, contacts); !d.Allowed {
		p.recordSkip(ctx, alarm, ch, d.Reason)
		return nil
	}

	targets := p.targets(ctx, alarm, ch, contacts)

	// Bounce suppression runs before the limiter so a fully suppressed
	// recipient list does not consume a rate token.
	if ch == alarms.ChannelEmail {
		kept := targets[:0]
		for i := range targets {
			if p.gate.Suppressed(ctx, targets[i].Recipient) {
				p.recordSkipRecipient(ctx, alarm, ch, targets[i].Recipient, gate.ReasonBounced)
				continue
			}
			kept = append(kept, targets[i])
		}
		if len(kept) == 0 && len(targets) > 0 {
			// Every recipient already has a bounce skip row.
			return nil
		}
		targets = kept
	}
	if len(targets) == 0 {
		p.recordSkip(ctx, alarm, ch, gate.ReasonNoContacts)
		return nil
	}

	if d := p.gate.AllowRate(ctx, ch, alarm.IMEI); !d.Allowed {
		p.recordSkip(ctx, alarm, ch, d.Reason)
		return nil
	}

	subject, body := p.renderer.Render(ctx, ch, alarm)

	adapter := p.adapter(ch)
	sawTransient := false
	var lastKind channels.ErrorKind
	var lastErr error

contacts:
	for i := range targets {
		msg := targets[i]
		msg.Subject = subject
		msg.Body = body

		res := p.deliver(ctx, adapter, ch, &msg)

		if errors.Is(res.Err, breaker.ErrCircuitOpen) {
			// No audit row: nothing was attempted against the service.
			p.park(ctx, alarm, ev, ch, "circuit_open", "circuit open")
			return nil
		}

		if res.Success {
			p.settle(ctx, alarm, ch, msg.Recipient, &res)
			return nil
		}

		switch res.Kind {
		case channels.Permanent, channels.InvalidRecipient:
			p.audit(ctx, alarm, ch, msg.Recipient, alarms.AttemptPermanentFailure, &res)
		case channels.RateLimited:
			p.audit(ctx, alarm, ch, msg.Recipient, alarms.AttemptFailed, &res)
			sawTransient = true
			lastKind, lastErr = res.Kind, res.Err
			// Further contacts would hit the same provider limit.
			break contacts
		default:
			p.audit(ctx, alarm, ch, msg.Recipient, alarms.AttemptFailed, &res)
			sawTransient = true
			lastKind, lastErr = res.Kind, res.Err
		}
	}

	if !sawTransient {
		// Only permanent failures: the audit trail is the terminal
		// record, nothing to retry.
		return nil
	}
	if delivery < p.cfg.MaxDeliveries {
		return ErrTransient
	}
	errorType := string(lastKind)
	if errors.Is(lastErr, modempool.ErrAllModemsExhausted) {
		errorType = "all_modems_exhausted"
	}
	p.park(ctx, alarm, ev, ch, errorType, errString(lastErr))
	return nil
}

// targets expands one channel into concrete messages. SMS, email and
// voice get one message per contact in priority order; push is a single
// multicast over the device's registered tokens.
func (p *Processor) targets(ctx context.Context, alarm *alarms.Alarm, ch alarms.Channel, contacts []alarms.Contact) []channels.Message {
	base := channels.Message{
		AlarmID: alarm.ID,
		IMEI:    alarm.IMEI,
		Channel: ch,
		Service: alarm.Category,
	}

	if ch == alarms.ChannelPush {
		tokens, err := p.store.PushTokens(ctx, alarm.IMEI)
		if err != nil {
			p.logger.Warn("failed to load push tokens", zap.String("imei", alarm.IMEI), zap.Error(err))
			return nil
		}
		if len(tokens) == 0 {
			return nil
		}
		msg := base
		msg.Recipient = alarm.IMEI
		for _, t := range tokens {
			msg.Tokens = append(msg.Tokens, t.Token)
		}
		return []channels.Message{msg}
	}

	var out []channels.Message
	for i := range contacts {
		recipient := contacts[i].Recipient(ch)
		if recipient == "" {
			continue
		}
		msg := base
		msg.Recipient = recipient
		out = append(out, msg)
	}
	return out
}

// deliver runs one adapter call under the channel breaker. Only
// retryable failures count against the breaker; client-side failures
// pass through without tripping it.
func (p *Processor) deliver(ctx context.Context, adapter channels.Adapter, ch alarms.Channel, msg *channels.Message) channels.Result {
	var res channels.Result
	start := time.Now()
	err := p.breakers.Do(ch, func() error {
		res = adapter.Send(ctx, msg)
		if !res.Success && res.Kind == channels.Retryable {
			return res.Err
		}
		return nil
	})
	p.metrics.NotificationDuration.WithLabelValues(string(ch)).Observe(time.Since(start).Seconds())

	if errors.Is(err, breaker.ErrCircuitOpen) {
		res = channels.Result{Err: err, Kind: channels.Retryable}
	}
	return res
}

// settle records a successful delivery: flip the sent marker, write the
// audit row, arm the dedup suppression.
func (p *Processor) settle(ctx context.Context, alarm *alarms.Alarm, ch alarms.Channel, recipient string, res *channels.Result) {
	won, err := p.store.MarkSent(ctx, alarm.ID, ch)
	if err != nil {
		p.logger.Error("failed to mark sent",
			zap.Int64("alarm_id", alarm.ID), zap.String("channel", string(ch)), zap.Error(err))
	} else if !won {
		p.logger.Info("channel already marked sent by another worker",
			zap.Int64("alarm_id", alarm.ID), zap.String("channel", string(ch)))
	}

	p.audit(ctx, alarm, ch, recipient, alarms.AttemptSuccess, res)
	p.metrics.NotificationsTotal.WithLabelValues(string(ch), "success").Inc()

	if err := p.store.MarkDedupNotified(ctx, alarm.IMEI, alarm.Status); err != nil {
		p.logger.Warn("failed to arm dedup suppression", zap.Int64("alarm_id", alarm.ID), zap.Error(err))
	}
}

func (p *Processor) audit(ctx context.Context, alarm *alarms.Alarm, ch alarms.Channel, recipient string, status alarms.AttemptStatus, res *channels.Result) {
	attempt := &alarms.NotificationAttempt{
		AlarmID:   alarm.ID,
		IMEI:      alarm.IMEI,
		GPSTime:   alarm.GPSTime,
		Channel:   ch,
		Recipient: recipient,
		Status:    status,
	}
	if res != nil {
		if res.Err != nil {
			attempt.Error = strptr(res.Err.Error())
		}
		if res.ProviderMessageID != "" {
			attempt.ProviderMessageID = strptr(res.ProviderMessageID)
		}
		if res.ProviderName != "" {
			attempt.ProviderName = strptr(res.ProviderName)
		}
		if res.ModemID != 0 {
			id := res.ModemID
			attempt.ModemID = &id
			attempt.ModemName = strptr(res.ModemName)
		}
		if res.Response != "" {
			attempt.Response = strptr(res.Response)
		}
	}
	if status != alarms.AttemptSuccess && status != alarms.AttemptSkipped {
		p.metrics.NotificationsTotal.WithLabelValues(string(ch), string(status)).Inc()
	}
	if err := p.store.RecordAttempt(ctx, attempt); err != nil {
		p.logger.Error("failed to record attempt",
			zap.Int64("alarm_id", alarm.ID), zap.String("channel", string(ch)), zap.Error(err))
	}
}

func (p *Processor) recordSkip(ctx context.Context, alarm *alarms.Alarm, ch alarms.Channel, reason string) {
	p.recordSkipRecipient(ctx, alarm, ch, "", reason)
}

func (p *Processor) recordSkipRecipient(ctx context.Context, alarm *alarms.Alarm, ch alarms.Channel, recipient, reason string) {
	p.metrics.SkippedTotal.WithLabelValues(string(ch), reason).Inc()
	attempt := &alarms.NotificationAttempt{
		AlarmID:   alarm.ID,
		IMEI:      alarm.IMEI,
		GPSTime:   alarm.GPSTime,
		Channel:   ch,
		Recipient: recipient,
		Status:    alarms.AttemptSkipped,
		Error:     strptr(reason),
	}
	if err := p.store.RecordAttempt(ctx, attempt); err != nil {
		p.logger.Error("failed to record skip",
			zap.Int64("alarm_id", alarm.ID), zap.String("channel", string(ch)), zap.Error(err))
	}
}

// park writes one DLQ item carrying the original event payload.
func (p *Processor) park(ctx context.Context, alarm *alarms.Alarm, ev *alarms.Event, ch alarms.Channel, errorType, lastErr string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event for DLQ", zap.Int64("alarm_id", alarm.ID), zap.Error(err))
		return
	}
	item := &dlq.Item{
		AlarmID:   alarm.ID,
		IMEI:      alarm.IMEI,
		Channel:   string(ch),
		ErrorType: errorType,
		LastError: lastErr,
		Payload:   payload,
	}
	if err := p.dlqw.Add(ctx, item); err != nil {
		p.logger.Error("failed to write DLQ item",
			zap.Int64("alarm_id", alarm.ID), zap.String("channel", string(ch)), zap.Error(err))
		return
	}
	p.metrics.DLQWritesTotal.WithLabelValues(string(ch), errorType).Inc()
}

// DispatchChannel replays one channel of one event, used by the DLQ
// reprocessor. Gating is bypassed except for the circuit breaker: the
// operator or the periodic cycle decided this should go out now. The
// pseudo-channel "all" re-runs the full dispatch.
func (p *Processor) DispatchChannel(ctx context.Context, ev *alarms.Event, channel string) error {
	if channel == dlq.ChannelAll {
		err := p.Dispatch(ctx, ev, p.cfg.MaxDeliveries)
		if errors.Is(err, ErrTransient) {
			return fmt.Errorf("dispatch still failing for alarm %d", ev.AlarmID)
		}
		return err
	}

	ch := alarms.Channel(channel)
	alarm, err := p.store.GetAlarm(ctx, ev.AlarmID)
	if err != nil {
		return fmt.Errorf("failed to load alarm %d: %w", ev.AlarmID, err)
	}
	if alarm.SentOn(ch) {
		return nil
	}
	if !p.breakers.Allows(ch) {
		return breaker.ErrCircuitOpen
	}

	contacts, err := p.store.Contacts(ctx, alarm.IMEI)
	if err != nil {
		return fmt.Errorf("failed to load contacts: %w", err)
	}

	subject, body := p.renderer.Render(ctx, ch, alarm)
	targets := p.targets(ctx, alarm, ch, contacts)
	if len(targets) == 0 {
		return fmt.Errorf("no recipients for alarm %d on %s", ev.AlarmID, ch)
	}

	adapter := p.adapter(ch)
	var lastErr error
	for i := range targets {
		msg := targets[i]
		msg.Subject = subject
		msg.Body = body

		res := p.deliver(ctx, adapter, ch, &msg)
		if res.Success {
			p.settle(ctx, alarm, ch, msg.Recipient, &res)
			return nil
		}
		lastErr = res.Err
		p.audit(ctx, alarm, ch, msg.Recipient, attemptStatus(res.Kind), &res)
	}
	if lastErr == nil {
		lastErr = errors.New("delivery failed")
	}
	return lastErr
}

func attemptStatus(kind channels.ErrorKind) alarms.AttemptStatus {
	if kind == channels.Permanent || kind == channels.InvalidRecipient {
		return alarms.AttemptPermanentFailure
	}
	return alarms.AttemptFailed
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func strptr(s string) *string { return &s }
