package alarms

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/db"
)

// DBTX is satisfied by *db.Postgres and by *sql.DB (tests).
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var ErrNotFound = errors.New("not found")

type Store struct {
	db     DBTX
	logger *zap.Logger
}

func NewStore(db DBTX, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) GetAlarm(ctx context.Context, id int64) (*Alarm, error) {
	query := `SELECT id, imei, status, category, gps_time, latitude, longitude, speed,
		is_sms, is_email, is_call, is_valid, sms_sent, email_sent, call_sent,
		sms_sent_at, email_sent_at, call_sent_at
		FROM alarms WHERE id = $1`

	var a Alarm
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&a.ID, &a.IMEI, &a.Status, &a.Category, &a.GPSTime, &a.Latitude, &a.Longitude, &a.Speed,
		&a.IsSMS, &a.IsEmail, &a.IsCall, &a.IsValid, &a.SMSSent, &a.EmailSent, &a.CallSent,
		&a.SMSSentAt, &a.EmailAt, &a.CallAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alarm: %w", err)
	}
	return &a, nil
}

// MarkSent flips the channel's sent marker, guarded so the transition
// happens at most once. Returns false when another worker won the race
// or the marker was already set.
func (s *Store) MarkSent(ctx context.Context, alarmID int64, ch Channel) (bool, error) {
	col, ok := sentColumn(ch)
	if !ok {
		return false, fmt.Errorf("unknown channel %q", ch)
	}

	query := fmt.Sprintf(
		`UPDATE alarms SET %s = true, %s_at = now() WHERE id = $1 AND %s = false`,
		col, col, col)

	var res sql.Result
	err := db.RetryWrite(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx, query, alarmID)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("failed to mark %s sent: %w", ch, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func sentColumn(ch Channel) (string, bool) {
	switch ch {
	case ChannelSMS:
		return "sms_sent", true
	case ChannelEmail:
		return "email_sent", true
	case ChannelVoice, ChannelPush:
		return "call_sent", true
	}
	return "", false
}

// PendingEvents returns valid alarms whose ch flag is set but whose
// marker is still false, oldest first. Used by the admin reprocess
// endpoint.
func (s *Store) PendingEvents(ctx context.Context, ch Channel, limit int) ([]Event, error) {
	flag := map[Channel]string{
		ChannelSMS:   "is_sms",
		ChannelEmail: "is_email",
		ChannelVoice: "is_call",
		ChannelPush:  "is_call",
	}[ch]
	col, ok := sentColumn(ch)
	if flag == "" || !ok {
		return nil, fmt.Errorf("unknown channel %q", ch)
	}

	query := fmt.Sprintf(`SELECT id, imei, status, category, gps_time, latitude, longitude, speed,
		is_sms, is_email, is_call, is_valid
		FROM alarms WHERE is_valid = true AND %s = true AND %s = false
		ORDER BY gps_time ASC LIMIT $1`, flag, col)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending alarms: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var isSMS, isEmail, isCall, isValid bool
		if err := rows.Scan(&ev.AlarmID, &ev.IMEI, &ev.Status, &ev.Category, &ev.GPSTime,
			&ev.Latitude, &ev.Longitude, &ev.Speed, &isSMS, &isEmail, &isCall, &isValid); err != nil {
			return nil, fmt.Errorf("failed to scan alarm: %w", err)
		}
		ev.IsSMS = boolFlag(isSMS)
		ev.IsEmail = boolFlag(isEmail)
		ev.IsCall = boolFlag(isCall)
		ev.IsValid = boolFlag(isValid)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func boolFlag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Contacts returns the active contacts for an imei in priority order.
func (s *Store) Contacts(ctx context.Context, imei string) ([]Contact, error) {
	query := `SELECT id, imei, name, email, phone, priority, active, quiet_hours_start, quiet_hours_end
		FROM alarms_contacts WHERE imei = $1 AND active = true ORDER BY priority ASC`

	rows, err := s.db.QueryContext(ctx, query, imei)
	if err != nil {
		return nil, fmt.Errorf("failed to list contacts: %w", err)
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		var c Contact
		if err := rows.Scan(&c.ID, &c.IMEI, &c.Name, &c.Email, &c.Phone,
			&c.Priority, &c.Active, &c.QuietStart, &c.QuietEnd); err != nil {
			return nil, fmt.Errorf("failed to scan contact: %w", err)
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func (s *Store) CreateContact(ctx context.Context, c *Contact) error {
	if c.Email == nil && c.Phone == nil {
		return errors.New("contact needs at least one of email or phone")
	}
	query := `INSERT INTO alarms_contacts (imei, name, email, phone, priority, active, quiet_hours_start, quiet_hours_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`
	err := s.db.QueryRowContext(ctx, query, c.IMEI, c.Name, c.Email, c.Phone,
		c.Priority, c.Active, c.QuietStart, c.QuietEnd).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func (s *Store) UpdateContact(ctx context.Context, c *Contact) error {
	query := `UPDATE alarms_contacts SET name = $2, email = $3, phone = $4, priority = $5,
		active = $6, quiet_hours_start = $7, quiet_hours_end = $8 WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query, c.ID, c.Name, c.Email, c.Phone,
		c.Priority, c.Active, c.QuietStart, c.QuietEnd)
	if err != nil {
		return fmt.Errorf("failed to update contact: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteContact(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alarms_contacts WHERE id = $1`, id)
	return err
}

// RecordAttempt appends one audit row. attempt_number is assigned in
// the same statement so no separate count round-trip is needed.
// Callers treat failures as non-fatal: the audit trail is not on the
// critical path for marking an alarm sent.
func (s *Store) RecordAttempt(ctx context.Context, a *NotificationAttempt) error {
	query := `INSERT INTO alarms_history
		(alarm_id, imei, gps_time, channel, recipient, status, attempt_number, sent_at,
		 error, provider_message_id, provider_name, modem_id, modem_name, response)
		SELECT $1, $2, $3, $4, $5, $6,
		       COALESCE((SELECT count(*) FROM alarms_history WHERE alarm_id = $1 AND channel = $4), 0) + 1,
		       now(), $7, $8, $9, $10, $11, $12`

	err := db.RetryWrite(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx, query,
			a.AlarmID, a.IMEI, a.GPSTime, a.Channel, a.Recipient, a.Status,
			a.Error, a.ProviderMessageID, a.ProviderName, a.ModemID, a.ModemName, a.Response)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return nil
}

// TouchDedup upserts the (imei, alarm_type) dedup record in a single
// atomic statement: an occurrence older than the window resets the
// record, anything newer increments it. The returned record reflects
// the post-update state, so NotificationSent=true means this alarm is a
// duplicate that was already notified inside the window.
func (s *Store) TouchDedup(ctx context.Context, imei, alarmType string, window time.Duration) (*DedupRecord, error) {
	query := `INSERT INTO alarms_dedup (imei, alarm_type, first_occurrence, last_occurrence, occurrence_count, notification_sent)
		VALUES ($1, $2, now(), now(), 1, false)
		ON CONFLICT (imei, alarm_type) DO UPDATE SET
			first_occurrence = CASE WHEN alarms_dedup.last_occurrence < now() - $3::interval
				THEN now() ELSE alarms_dedup.first_occurrence END,
			occurrence_count = CASE WHEN alarms_dedup.last_occurrence < now() - $3::interval
				THEN 1 ELSE alarms_dedup.occurrence_count + 1 END,
			notification_sent = CASE WHEN alarms_dedup.last_occurrence < now() - $3::interval
				THEN false ELSE alarms_dedup.notification_sent END,
			last_occurrence = now()
		RETURNING first_occurrence, last_occurrence, occurrence_count, notification_sent`

	rec := DedupRecord{IMEI: imei, AlarmType: alarmType}
	err := db.RetryWrite(ctx, func() error {
		return s.db.QueryRowContext(ctx, query, imei, alarmType, interval(window)).Scan(
			&rec.FirstOccurrence, &rec.LastOccurrence, &rec.OccurrenceCount, &rec.NotificationSent)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to touch dedup record: %w", err)
	}
	return &rec, nil
}

func (s *Store) MarkDedupNotified(ctx context.Context, imei, alarmType string) error {
	err := db.RetryWrite(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE alarms_dedup SET notification_sent = true WHERE imei = $1 AND alarm_type = $2`,
			imei, alarmType)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to mark dedup notified: %w", err)
	}
	return nil
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

// PushTokens returns registered device tokens for an imei.
func (s *Store) PushTokens(ctx context.Context, imei string) ([]PushToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, imei, token FROM push_tokens WHERE imei = $1`, imei)
	if err != nil {
		return nil, fmt.Errorf("failed to list push tokens: %w", err)
	}
	defer rows.Close()

	var tokens []PushToken
	for rows.Next() {
		var t PushToken
		if err := rows.Scan(&t.ID, &t.IMEI, &t.Token); err != nil {
			return nil, fmt.Errorf("failed to scan push token: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// DeletePushToken removes a token the provider reported invalid.
func (s *Store) DeletePushToken(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM push_tokens WHERE token = $1`, token)
	return err
}

func (s *Store) Health(ctx context.Context) error {
	var one int
	return s.db.QueryRowContext(ctx, `SELECT 1`).Scan(&one)
}
