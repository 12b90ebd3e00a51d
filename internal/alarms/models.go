package alarms

import (
	"time"
)

// Channel identifies a notification delivery channel.
type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelVoice Channel = "voice"
	ChannelPush  Channel = "push"
)

func AllChannels() []Channel {
	return []Channel{ChannelSMS, ChannelEmail, ChannelVoice, ChannelPush}
}

// AttemptStatus is the terminal classification of one delivery attempt.
type AttemptStatus string

const (
	AttemptSuccess          AttemptStatus = "success"
	AttemptFailed           AttemptStatus = "failed"
	AttemptSkipped          AttemptStatus = "skipped"
	AttemptPermanentFailure AttemptStatus = "permanent_failure"
)

// Alarm mirrors one row of the alarms table. Rows are created by the
// upstream parsers; the dispatcher only flips the per-channel sent
// markers.
type Alarm struct {
	ID        int64      `json:"id"`
	IMEI      string     `json:"imei"`
	Status    string     `json:"status"`
	Category  string     `json:"category"`
	GPSTime   time.Time  `json:"gps_time"`
	Latitude  float64    `json:"latitude"`
	Longitude float64    `json:"longitude"`
	Speed     float64    `json:"speed"`
	IsSMS     bool       `json:"is_sms"`
	IsEmail   bool       `json:"is_email"`
	IsCall    bool       `json:"is_call"`
	IsValid   bool       `json:"is_valid"`
	SMSSent   bool       `json:"sms_sent"`
	EmailSent bool       `json:"email_sent"`
	CallSent  bool       `json:"call_sent"`
	SMSSentAt *time.Time `json:"sms_sent_at,omitempty"`
	EmailAt   *time.Time `json:"email_sent_at,omitempty"`
	CallAt    *time.Time `json:"call_sent_at,omitempty"`
}

// Wants reports whether the alarm requests delivery on ch. Voice and
// push share the is_call flag: push is the app-delivered form of a call
// notification and is gated separately by the push feature flag.
func (a *Alarm) Wants(ch Channel) bool {
	switch ch {
	case ChannelSMS:
		return a.IsSMS
	case ChannelEmail:
		return a.IsEmail
	case ChannelVoice, ChannelPush:
		return a.IsCall
	}
	return false
}

// SentOn reports whether the channel's sent marker is already set.
func (a *Alarm) SentOn(ch Channel) bool {
	switch ch {
	case ChannelSMS:
		return a.SMSSent
	case ChannelEmail:
		return a.EmailSent
	case ChannelVoice, ChannelPush:
		return a.CallSent
	}
	return false
}

// Event is the bus payload published by the upstream parsers. Unknown
// fields are ignored; flags arrive as 0/1 integers.
type Event struct {
	AlarmID   int64     `json:"alarm_id"`
	IMEI      string    `json:"imei"`
	Status    string    `json:"status"`
	Category  string    `json:"category,omitempty"`
	GPSTime   time.Time `json:"gps_time"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     float64   `json:"speed"`
	IsSMS     int       `json:"is_sms"`
	IsEmail   int       `json:"is_email"`
	IsCall    int       `json:"is_call"`
	IsValid   int       `json:"is_valid"`
}

// Contact is a notification recipient for a device, ordered by
// ascending priority. Quiet hours are UTC wall-clock "HH:MM" strings; a
// window with start > end wraps past midnight.
type Contact struct {
	ID         int64   `json:"id"`
	IMEI       string  `json:"imei"`
	Name       string  `json:"name"`
	Email      *string `json:"email,omitempty"`
	Phone      *string `json:"phone,omitempty"`
	Priority   int     `json:"priority"`
	Active     bool    `json:"active"`
	QuietStart *string `json:"quiet_hours_start,omitempty"`
	QuietEnd   *string `json:"quiet_hours_end,omitempty"`
}

// Recipient returns the address used for ch, or "" when the contact
// cannot receive on that channel.
func (c *Contact) Recipient(ch Channel) string {
	switch ch {
	case ChannelEmail:
		if c.Email != nil {
			return *c.Email
		}
	case ChannelSMS, ChannelVoice:
		if c.Phone != nil {
			return *c.Phone
		}
	case ChannelPush:
		return c.IMEI
	}
	return ""
}

// InQuietHours reports whether t (UTC) falls inside the contact's quiet
// window.
func (c *Contact) InQuietHours(t time.Time) bool {
	if c.QuietStart == nil || c.QuietEnd == nil {
		return false
	}
	start, err := parseClock(*c.QuietStart)
	if err != nil {
		return false
	}
	end, err := parseClock(*c.QuietEnd)
	if err != nil {
		return false
	}
	now := t.UTC().Hour()*60 + t.UTC().Minute()
	if start == end {
		return false
	}
	if start < end {
		return now >= start && now < end
	}
	// Window wraps past midnight, e.g. 22:00-06:00.
	return now >= start || now < end
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NotificationAttempt is one append-only audit row (alarms_history).
type NotificationAttempt struct {
	ID                int64         `json:"id"`
	AlarmID           int64         `json:"alarm_id"`
	IMEI              string        `json:"imei"`
	GPSTime           time.Time     `json:"gps_time"`
	Channel           Channel       `json:"channel"`
	Recipient         string        `json:"recipient"`
	Status            AttemptStatus `json:"status"`
	AttemptNumber     int           `json:"attempt_number"`
	SentAt            time.Time     `json:"sent_at"`
	Error             *string       `json:"error,omitempty"`
	ProviderMessageID *string       `json:"provider_message_id,omitempty"`
	ProviderName      *string       `json:"provider_name,omitempty"`
	ModemID           *int64        `json:"modem_id,omitempty"`
	ModemName         *string       `json:"modem_name,omitempty"`
	Response          *string       `json:"response,omitempty"`
}

// DedupRecord tracks repeated (imei, alarm_type) occurrences inside the
// dedup window.
type DedupRecord struct {
	IMEI             string    `json:"imei"`
	AlarmType        string    `json:"alarm_type"`
	FirstOccurrence  time.Time `json:"first_occurrence"`
	LastOccurrence   time.Time `json:"last_occurrence"`
	OccurrenceCount  int       `json:"occurrence_count"`
	NotificationSent bool      `json:"notification_sent"`
}

// SystemState is the single persisted pause/mock row shared by all
// workers.
type SystemState struct {
	Paused      bool    `json:"paused"`
	PauseReason *string `json:"pause_reason,omitempty"`
	PausedBy    *string `json:"paused_by,omitempty"`
	MockSMS     bool    `json:"mock_sms"`
	MockEmail   bool    `json:"mock_email"`
}

// WorkerRegistration is one row of the cross-instance worker registry.
type WorkerRegistration struct {
	WorkerID      string    `json:"worker_id"`
	Host          string    `json:"host"`
	PID           int       `json:"pid"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// PushToken is one registered device token for an imei.
type PushToken struct {
	ID    int64  `json:"id"`
	IMEI  string `json:"imei"`
	Token string `json:"token"`
}
