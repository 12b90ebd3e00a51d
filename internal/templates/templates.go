package templates

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

// Data is the rendering context for every template.
type Data struct {
	Status    string
	Category  string
	IMEI      string
	GPSTime   string
	Latitude  float64
	Longitude float64
	Speed     float64
	MapURL    string
}

// Template is one row of alarms_channel_config. alarm_type "*" is the
// channel-wide fallback.
type Template struct {
	ID        int64          `json:"id"`
	Channel   alarms.Channel `json:"channel"`
	AlarmType string         `json:"alarm_type"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Enabled   bool           `json:"enabled"`
	UpdatedAt time.Time      `json:"updated_at"`
}

var defaults = map[alarms.Channel]Template{
	alarms.ChannelEmail: {
		Subject: "Alarm {{.Status}} - device {{.IMEI}}",
		Body: "Device {{.IMEI}} reported {{.Status}} at {{.GPSTime}}.\n" +
			"Position: {{.Latitude}},{{.Longitude}} ({{.Speed}} km/h)\n{{.MapURL}}",
	},
	alarms.ChannelSMS: {
		Body: "{{.Status}} alarm for {{.IMEI}} at {{.GPSTime}}. {{.MapURL}}",
	},
	alarms.ChannelVoice: {
		Body: "Alert. Device {{.IMEI}} reported {{.Status}} at {{.GPSTime}}.",
	},
	alarms.ChannelPush: {
		Subject: "{{.Status}}",
		Body:    "Device {{.IMEI}}: {{.Status}} at {{.GPSTime}}",
	},
}

const cacheTTL = 30 * time.Second

// Renderer resolves and renders the (channel, alarm_type) template with
// a short-lived cache so template edits apply without a restart.
type Renderer struct {
	db     alarms.DBTX
	logger *zap.Logger

	mu      sync.Mutex
	cache   map[string]Template
	fetched time.Time
}

func NewRenderer(db alarms.DBTX, logger *zap.Logger) *Renderer {
	return &Renderer{db: db, logger: logger, cache: map[string]Template{}}
}

// Render produces subject and body for one alarm on one channel. A
// missing or broken stored template falls back to the built-in default,
// so Render always returns usable text.
func (r *Renderer) Render(ctx context.Context, ch alarms.Channel, a *alarms.Alarm) (subject, body string) {
	data := Data{
		Status:    a.Status,
		Category:  a.Category,
		IMEI:      a.IMEI,
		GPSTime:   a.GPSTime.UTC().Format(time.RFC3339),
		Latitude:  a.Latitude,
		Longitude: a.Longitude,
		Speed:     a.Speed,
		MapURL:    fmt.Sprintf("https://maps.google.com/?q=%f,%f", a.Latitude, a.Longitude),
	}

	tpl := r.lookup(ctx, ch, a.Status)

	subject, err := render(tpl.Subject, data)
	if err != nil {
		r.logger.Warn("subject template failed, using default",
			zap.String("channel", string(ch)), zap.Error(err))
		subject, _ = render(defaults[ch].Subject, data)
	}
	body, err = render(tpl.Body, data)
	if err != nil {
		r.logger.Warn("body template failed, using default",
			zap.String("channel", string(ch)), zap.Error(err))
		body, _ = render(defaults[ch].Body, data)
	}
	return subject, body
}

func render(text string, data Data) (string, error) {
	if text == "" {
		return "", nil
	}
	tpl, err := template.New("t").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (r *Renderer) lookup(ctx context.Context, ch alarms.Channel, alarmType string) Template {
	r.mu.Lock()
	defer r.mu.Unlock()

	if time.Since(r.fetched) > cacheTTL {
		if err := r.refresh(ctx); err != nil {
			r.logger.Warn("template refresh failed, using cached set", zap.Error(err))
		}
	}

	if tpl, ok := r.cache[key(ch, alarmType)]; ok && tpl.Enabled {
		return tpl
	}
	if tpl, ok := r.cache[key(ch, "*")]; ok && tpl.Enabled {
		return tpl
	}
	return defaults[ch]
}

func (r *Renderer) refresh(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel, alarm_type, subject, body, enabled, updated_at FROM alarms_channel_config`)
	if err != nil {
		return err
	}
	defer rows.Close()

	fresh := map[string]Template{}
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Channel, &t.AlarmType, &t.Subject, &t.Body, &t.Enabled, &t.UpdatedAt); err != nil {
			return err
		}
		fresh[key(t.Channel, t.AlarmType)] = t
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.cache = fresh
	r.fetched = time.Now()
	return nil
}

func key(ch alarms.Channel, alarmType string) string {
	return string(ch) + "|" + strings.ToLower(alarmType)
}

// Admin CRUD over alarms_channel_config.

func (r *Renderer) List(ctx context.Context) ([]Template, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, channel, alarm_type, subject, body, enabled, updated_at
		 FROM alarms_channel_config ORDER BY channel, alarm_type`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var out []Template
	for rows.Next() {
		var t Template
		if err := rows.Scan(&t.ID, &t.Channel, &t.AlarmType, &t.Subject, &t.Body, &t.Enabled, &t.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *Renderer) Upsert(ctx context.Context, t *Template) error {
	// Validate before storing so a broken template never reaches the
	// hot path.
	if _, err := template.New("subject").Parse(t.Subject); err != nil {
		return fmt.Errorf("invalid subject template: %w", err)
	}
	if _, err := template.New("body").Parse(t.Body); err != nil {
		return fmt.Errorf("invalid body template: %w", err)
	}

	query := `INSERT INTO alarms_channel_config (channel, alarm_type, subject, body, enabled, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (channel, alarm_type) DO UPDATE SET
			subject = EXCLUDED.subject, body = EXCLUDED.body,
			enabled = EXCLUDED.enabled, updated_at = now()
		RETURNING id`
	err := r.db.QueryRowContext(ctx, query,
		t.Channel, strings.ToLower(t.AlarmType), t.Subject, t.Body, t.Enabled).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert template: %w", err)
	}
	r.invalidate()
	return nil
}

func (r *Renderer) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM alarms_channel_config WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	r.invalidate()
	return nil
}

func (r *Renderer) invalidate() {
	r.mu.Lock()
	r.fetched = time.Time{}
	r.mu.Unlock()
}
