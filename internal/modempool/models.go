package modempool

import (
	"errors"
	"time"
)

var (
	// ErrAllModemsExhausted means no eligible modem had quota and
	// capacity left for the message.
	ErrAllModemsExhausted = errors.New("all modems exhausted")
	// ErrInvalidNumber is returned when the modem rejects the
	// destination number itself.
	ErrInvalidNumber = errors.New("invalid destination number")
)

// Modem is one physical GSM modem row (alarms_sms_modems).
type Modem struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	IMEI string `json:"imei"`

	Host string `json:"host"`
	Port int    `json:"port"`
	User string `json:"-"`
	Pass string `json:"-"`
	// CertFingerprint is the expected sha256 of the modem's TLS leaf
	// certificate, hex encoded. Empty disables pinning (plain HTTP).
	CertFingerprint string `json:"cert_fingerprint,omitempty"`

	Priority         int  `json:"priority"`
	MaxConcurrentSMS int  `json:"max_concurrent_sms"`
	Enabled          bool `json:"enabled"`
	Healthy          bool `json:"healthy"`

	// SIM package accounting. The starts/expires pair is the current
	// package period; rollover advances it by its own length.
	PackageSize      int        `json:"package_size"`
	SMSSentCount     int        `json:"sms_sent_count"`
	PackageStartsAt  time.Time  `json:"package_starts_at"`
	PackageExpiresAt *time.Time `json:"package_expires_at,omitempty"`

	// AllowedServices restricts which message services may use this
	// modem (empty = all). DedicatedIMEIs pins devices to this modem.
	AllowedServices []string `json:"allowed_services,omitempty"`
	DedicatedIMEIs  []string `json:"dedicated_imeis,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining reports how many messages the SIM package still allows.
func (m *Modem) Remaining() int {
	r := m.PackageSize - m.SMSSentCount
	if r < 0 {
		return 0
	}
	return r
}

// AllowsService reports whether the modem may carry msgs of service.
func (m *Modem) AllowsService(service string) bool {
	if service == "" || len(m.AllowedServices) == 0 {
		return true
	}
	for _, s := range m.AllowedServices {
		if s == service {
			return true
		}
	}
	return false
}

// DedicatedTo reports whether imei is pinned to this modem.
func (m *Modem) DedicatedTo(imei string) bool {
	for _, d := range m.DedicatedIMEIs {
		if d == imei {
			return true
		}
	}
	return false
}

// Receipt describes one accepted SMS hand-off.
type Receipt struct {
	ModemID   int64  `json:"modem_id"`
	ModemName string `json:"modem_name"`
	MessageID string `json:"message_id"`
	Response  string `json:"response,omitempty"`
}

// UsageDay is one row of the per-modem daily usage report.
type UsageDay struct {
	ModemID   int64     `json:"modem_id"`
	ModemName string    `json:"modem_name"`
	Day       time.Time `json:"day"`
	Sent      int       `json:"sent"`
}
