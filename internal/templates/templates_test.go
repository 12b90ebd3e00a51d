package templates

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

func newTestRenderer(t *testing.T) (*Renderer, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { mockDB.Close() })
	return NewRenderer(mockDB, zap.NewNop()), mock
}

func configRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "channel", "alarm_type", "subject", "body", "enabled", "updated_at"})
}

func testAlarm(status string) *alarms.Alarm {
	return &alarms.Alarm{
		ID:        1,
		IMEI:      "12345",
		Status:    status,
		Category:  "security",
		GPSTime:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Latitude:  52.52,
		Longitude: 13.405,
		Speed:     80,
	}
}

func TestRenderDefaults(t *testing.T) {
	r, mock := newTestRenderer(t)
	mock.ExpectQuery("SELECT id, channel, alarm_type").WillReturnRows(configRows())

	subject, body := r.Render(context.Background(), alarms.ChannelEmail, testAlarm("sos"))

	if !strings.Contains(subject, "12345") || !strings.Contains(subject, "sos") {
		t.Errorf("default subject missing alarm fields: %q", subject)
	}
	if !strings.Contains(body, "https://maps.google.com/?q=") {
		t.Errorf("default body missing map link: %q", body)
	}
}

func TestRenderLookupFallback(t *testing.T) {
	r, mock := newTestRenderer(t)
	now := time.Now()
	mock.ExpectQuery("SELECT id, channel, alarm_type").WillReturnRows(configRows().
		AddRow(1, "sms", "sos", "", "SOS for {{.IMEI}}", true, now).
		AddRow(2, "sms", "*", "", "generic {{.Status}}", true, now).
		AddRow(3, "email", "sos", "", "disabled", false, now))

	// Exact (channel, type) match wins.
	_, body := r.Render(context.Background(), alarms.ChannelSMS, testAlarm("sos"))
	if body != "SOS for 12345" {
		t.Errorf("specific template not used: %q", body)
	}

	// No exact match falls back to the channel wildcard.
	_, body = r.Render(context.Background(), alarms.ChannelSMS, testAlarm("speeding"))
	if body != "generic speeding" {
		t.Errorf("wildcard fallback not used: %q", body)
	}

	// Disabled rows are skipped in favor of the built-in default.
	_, body = r.Render(context.Background(), alarms.ChannelEmail, testAlarm("sos"))
	if body == "disabled" {
		t.Error("disabled template must not render")
	}
}

func TestRenderBrokenTemplateFallsBack(t *testing.T) {
	r, mock := newTestRenderer(t)
	mock.ExpectQuery("SELECT id, channel, alarm_type").WillReturnRows(configRows().
		AddRow(1, "sms", "*", "", "{{.Status", true, time.Now()))

	_, body := r.Render(context.Background(), alarms.ChannelSMS, testAlarm("sos"))
	if body == "" || strings.Contains(body, "{{") {
		t.Errorf("broken template must fall back to the default, got %q", body)
	}
}

func TestUpsertValidates(t *testing.T) {
	r, _ := newTestRenderer(t)

	err := r.Upsert(context.Background(), &Template{
		Channel:   alarms.ChannelSMS,
		AlarmType: "sos",
		Body:      "{{.Broken",
	})
	if err == nil {
		t.Error("expected parse error for broken body template")
	}
}

func TestDeleteMissingTemplate(t *testing.T) {
	r, mock := newTestRenderer(t)
	mock.ExpectExec("DELETE FROM alarms_channel_config").
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := r.Delete(context.Background(), 9); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("Delete missing = %v, want sql.ErrNoRows", err)
	}
}
