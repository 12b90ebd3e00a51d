package modempool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"alarm-dispatcher/internal/alarms"
)

var ErrNotFound = errors.New("modem not found")

const modemColumns = `id, name, imei, host, port, username, password, cert_fingerprint,
	priority, max_concurrent_sms, enabled, healthy,
	package_size, sms_sent_count, package_starts_at, package_expires_at,
	allowed_services, dedicated_imeis, created_at, updated_at`

type Store struct {
	db     alarms.DBTX
	logger *zap.Logger
}

func NewStore(db alarms.DBTX, logger *zap.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func scanModem(row interface{ Scan(...any) error }) (*Modem, error) {
	var m Modem
	err := row.Scan(&m.ID, &m.Name, &m.IMEI, &m.Host, &m.Port, &m.User, &m.Pass, &m.CertFingerprint,
		&m.Priority, &m.MaxConcurrentSMS, &m.Enabled, &m.Healthy,
		&m.PackageSize, &m.SMSSentCount, &m.PackageStartsAt, &m.PackageExpiresAt,
		pq.Array(&m.AllowedServices), pq.Array(&m.DedicatedIMEIs), &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ListEligible returns enabled, healthy modems with remaining quota and
// an unexpired package, in routing order: higher priority first, then
// most quota headroom, then least used.
func (s *Store) ListEligible(ctx context.Context) ([]*Modem, error) {
	query := fmt.Sprintf(`SELECT %s FROM alarms_sms_modems
		WHERE enabled = true AND healthy = true
		  AND sms_sent_count < package_size
		  AND (package_expires_at IS NULL OR package_expires_at > now())
		ORDER BY priority DESC, (package_size - sms_sent_count) DESC, sms_sent_count ASC`, modemColumns)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list eligible modems: %w", err)
	}
	defer rows.Close()

	var modems []*Modem
	for rows.Next() {
		m, err := scanModem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan modem: %w", err)
		}
		modems = append(modems, m)
	}
	return modems, rows.Err()
}

func (s *Store) List(ctx context.Context) ([]*Modem, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM alarms_sms_modems ORDER BY priority DESC, name`, modemColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list modems: %w", err)
	}
	defer rows.Close()

	var modems []*Modem
	for rows.Next() {
		m, err := scanModem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan modem: %w", err)
		}
		modems = append(modems, m)
	}
	return modems, rows.Err()
}

func (s *Store) Get(ctx context.Context, id int64) (*Modem, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM alarms_sms_modems WHERE id = $1`, modemColumns), id)
	m, err := scanModem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get modem: %w", err)
	}
	return m, nil
}

func (s *Store) Create(ctx context.Context, m *Modem) error {
	query := `INSERT INTO alarms_sms_modems
		(name, imei, host, port, username, password, cert_fingerprint, priority,
		 max_concurrent_sms, enabled, healthy, package_size, sms_sent_count,
		 package_starts_at, package_expires_at, allowed_services, dedicated_imeis, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,true,$11,0,now(),$12,$13,$14,now(),now())
		RETURNING id`
	err := s.db.QueryRowContext(ctx, query,
		m.Name, m.IMEI, m.Host, m.Port, m.User, m.Pass, m.CertFingerprint, m.Priority,
		m.MaxConcurrentSMS, m.Enabled, m.PackageSize, m.PackageExpiresAt,
		pq.Array(m.AllowedServices), pq.Array(m.DedicatedIMEIs)).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to create modem: %w", err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, m *Modem) error {
	query := `UPDATE alarms_sms_modems SET
		name=$2, imei=$3, host=$4, port=$5, username=$6, password=$7, cert_fingerprint=$8,
		priority=$9, max_concurrent_sms=$10, enabled=$11, package_size=$12,
		package_expires_at=$13, allowed_services=$14, dedicated_imeis=$15, updated_at=now()
		WHERE id=$1`
	res, err := s.db.ExecContext(ctx, query,
		m.ID, m.Name, m.IMEI, m.Host, m.Port, m.User, m.Pass, m.CertFingerprint,
		m.Priority, m.MaxConcurrentSMS, m.Enabled, m.PackageSize,
		m.PackageExpiresAt, pq.Array(m.AllowedServices), pq.Array(m.DedicatedIMEIs))
	if err != nil {
		return fmt.Errorf("failed to update modem: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alarms_sms_modems WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete modem: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementUsage consumes one unit of the modem's package, guarded so a
// concurrent worker cannot push the counter past the package size. It
// also bumps the daily usage row. Returns false when the quota was
// already gone.
func (s *Store) IncrementUsage(ctx context.Context, modemID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`UPDATE alarms_sms_modems SET sms_sent_count = sms_sent_count + 1, updated_at = now()
		 WHERE id = $1 AND sms_sent_count < package_size
		 RETURNING sms_sent_count`, modemID).Scan(&count)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to increment modem usage: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO alarms_sms_modem_usage (modem_id, day, sent)
		 VALUES ($1, CURRENT_DATE, 1)
		 ON CONFLICT (modem_id, day) DO UPDATE SET sent = alarms_sms_modem_usage.sent + 1`,
		modemID)
	if err != nil {
		// Usage reporting is advisory; the quota counter is the source
		// of truth.
		s.logger.Warn("failed to bump daily modem usage", zap.Int64("modem_id", modemID), zap.Error(err))
	}
	return true, nil
}

// ResetPackage starts a fresh SIM package: counter to zero, new size
// and expiry, period starting now.
func (s *Store) ResetPackage(ctx context.Context, modemID int64, size int, expiresAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms_sms_modems SET sms_sent_count = 0, package_size = $2,
		 package_starts_at = now(), package_expires_at = $3, updated_at = now() WHERE id = $1`,
		modemID, size, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to reset modem package: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// RolloverExpired starts the next package period for modems whose
// current period ended: counter back to zero and the window advanced by
// its own length, one period per call, so the modem stays in routing.
// Modems with a degenerate period (expiry not after start) are left
// alone for an operator reset.
func (s *Store) RolloverExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alarms_sms_modems
		 SET sms_sent_count = 0,
		     package_starts_at = package_expires_at,
		     package_expires_at = package_expires_at + (package_expires_at - package_starts_at),
		     updated_at = now()
		 WHERE enabled = true AND package_expires_at IS NOT NULL
		   AND package_expires_at <= now() AND package_expires_at > package_starts_at`)
	if err != nil {
		return 0, fmt.Errorf("failed to roll over expired packages: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SetHealth(ctx context.Context, modemID int64, healthy bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE alarms_sms_modems SET healthy = $2, updated_at = now() WHERE id = $1`,
		modemID, healthy)
	if err != nil {
		return fmt.Errorf("failed to set modem health: %w", err)
	}
	return nil
}

// Usage returns the per-modem daily send counts since the given day.
func (s *Store) Usage(ctx context.Context, since time.Time) ([]UsageDay, error) {
	query := `SELECT u.modem_id, m.name, u.day, u.sent
		FROM alarms_sms_modem_usage u
		JOIN alarms_sms_modems m ON m.id = u.modem_id
		WHERE u.day >= $1
		ORDER BY u.day DESC, m.name`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query modem usage: %w", err)
	}
	defer rows.Close()

	var out []UsageDay
	for rows.Next() {
		var u UsageDay
		if err := rows.Scan(&u.ModemID, &u.ModemName, &u.Day, &u.Sent); err != nil {
			return nil, fmt.Errorf("failed to scan usage row: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
