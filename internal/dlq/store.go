package dlq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
	"alarm-dispatcher/internal/db"
)

var ErrNotFound = errors.New("dlq item not found")

// Item is one parked notification (alarms_dlq). Channel "all" means the
// whole event failed before fan-out and needs a full dispatch.
type Item struct {
	ID            int64      `json:"id"`
	AlarmID       int64      `json:"alarm_id"`
	IMEI          string     `json:"imei"`
	Channel       string     `json:"channel"`
	ErrorType     string     `json:"error_type"`
	LastError     string     `json:"last_error"`
	Payload       []byte     `json:"payload"`
	Attempts      int        `json:"attempts"`
	GaveUp        bool       `json:"gave_up"`
	CreatedAt     time.Time  `json:"created_at"`
	LastTriedAt   *time.Time `json:"last_tried_at,omitempty"`
	ReprocessedAt *time.Time `json:"reprocessed_at,omitempty"`
	ReprocessedBy *string    `json:"reprocessed_by,omitempty"`
}

// ChannelAll marks items that need a full re-dispatch.
const ChannelAll = "all"

type Store struct {
	db     alarms.DBTX
	logger *zap.Logger
}

func NewStore(db alarms.DBTX, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Add parks one failed notification. Payload is the original bus event
// so reprocessing does not depend on the alarms row still matching.
func (s *Store) Add(ctx context.Context, item *Item) error {
	query := `INSERT INTO alarms_dlq (alarm_id, imei, channel, error_type, last_error, payload, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now()) RETURNING id`
	err := db.RetryWrite(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			item.AlarmID, item.IMEI, item.Channel, item.ErrorType, item.LastError, item.Payload).Scan(&item.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to add DLQ item: %w", err)
	}
	s.logger.Warn("notification parked in DLQ",
		zap.Int64("alarm_id", item.AlarmID),
		zap.String("channel", item.Channel),
		zap.String("error_type", item.ErrorType))
	return nil
}

const itemColumns = `id, alarm_id, imei, channel, error_type, last_error, payload,
	attempts, gave_up, created_at, last_tried_at, reprocessed_at, reprocessed_by`

func scanItem(row interface{ Scan(...any) error }) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.AlarmID, &it.IMEI, &it.Channel, &it.ErrorType, &it.LastError,
		&it.Payload, &it.Attempts, &it.GaveUp, &it.CreatedAt, &it.LastTriedAt,
		&it.ReprocessedAt, &it.ReprocessedBy)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// Pending returns unprocessed items that have not given up, oldest
// first.
func (s *Store) Pending(ctx context.Context, limit int) ([]*Item, error) {
	query := fmt.Sprintf(`SELECT %s FROM alarms_dlq
		WHERE reprocessed_at IS NULL AND gave_up = false
		ORDER BY created_at ASC LIMIT $1`, itemColumns)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending DLQ items: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

// Filter narrows List and admin-triggered reprocess cycles.
type Filter struct {
	ID        int64
	Channel   string
	ErrorType string
	OlderThan time.Duration
	Limit     int
}

// List returns items matching the filter, including processed ones,
// newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]*Item, error) {
	var conds []string
	var args []any

	add := func(cond string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.ID != 0 {
		add("id = $%d", f.ID)
	}
	if f.Channel != "" {
		add("channel = $%d", f.Channel)
	}
	if f.ErrorType != "" {
		add("error_type = $%d", f.ErrorType)
	}
	if f.OlderThan > 0 {
		add("created_at < now() - $%d::interval", fmt.Sprintf("%d seconds", int(f.OlderThan.Seconds())))
	}

	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`SELECT %s FROM alarms_dlq %s ORDER BY created_at DESC LIMIT $%d`,
		itemColumns, where, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list DLQ items: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*Item, error) {
	var items []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan DLQ item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *Store) Get(ctx context.Context, id int64) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM alarms_dlq WHERE id = $1`, itemColumns), id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get DLQ item: %w", err)
	}
	return it, nil
}

// MarkReprocessed records a successful reprocess and who asked for it
// (the replaying worker's id for cycle-driven replays).
func (s *Store) MarkReprocessed(ctx context.Context, id int64, by string) error {
	var res sql.Result
	err := db.RetryWrite(ctx, func() error {
		var execErr error
		res, execErr = s.db.ExecContext(ctx,
			`UPDATE alarms_dlq SET reprocessed_at = now(), reprocessed_by = $2 WHERE id = $1`,
			id, by)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to mark DLQ item reprocessed: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// BumpAttempt records a failed reprocess try. When attempts reach
// maxAttempts the item is flagged gave_up and drops out of the periodic
// cycle; an operator can still target it explicitly.
func (s *Store) BumpAttempt(ctx context.Context, id int64, lastErr string, maxAttempts int) error {
	err := db.RetryWrite(ctx, func() error {
		_, execErr := s.db.ExecContext(ctx,
			`UPDATE alarms_dlq SET attempts = attempts + 1, last_error = $2, last_tried_at = now(),
			 gave_up = (attempts + 1 >= $3) WHERE id = $1`,
			id, lastErr, maxAttempts)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to bump DLQ attempt: %w", err)
	}
	return nil
}

// Depth counts unprocessed items for the gauge.
func (s *Store) Depth(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM alarms_dlq WHERE reprocessed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ depth: %w", err)
	}
	return n, nil
}
