package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL device repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const deviceColumns = `id, country_code, imei, COALESCE(sim_id, ''), last_seen_at, health_status, created_at, updated_at`

// GetDevice retrieves a device by ID.
func (r *PostgresRepository) GetDevice(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = $1`
	return r.scanDevice(r.pool.QueryRow(ctx, query, id))
}

// FindDeviceBySim returns the device currently linked to the SIM.
func (r *PostgresRepository) FindDeviceBySim(ctx context.Context, simID string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE sim_id = $1`
	return r.scanDevice(r.pool.QueryRow(ctx, query, simID))
}

func (r *PostgresRepository) scanDevice(row pgx.Row) (*Device, error) {
	var d Device
	err := row.Scan(
		&d.ID,
		&d.CountryCode,
		&d.IMEI,
		&d.SimID,
		&d.LastSeenAt,
		&d.HealthStatus,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("scan device: %w", err)
	}
	return &d, nil
}

const saveDeviceQuery = `
	INSERT INTO devices (id, country_code, imei, sim_id, last_seen_at, health_status, created_at, updated_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8)
	ON CONFLICT (id) DO UPDATE SET
		country_code = EXCLUDED.country_code,
		imei = EXCLUDED.imei,
		sim_id = EXCLUDED.sim_id,
		last_seen_at = EXCLUDED.last_seen_at,
		health_status = EXCLUDED.health_status,
		updated_at = EXCLUDED.updated_at
`

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SaveDevice creates or replaces a device.
func (r *PostgresRepository) SaveDevice(ctx context.Context, d *Device) error {
	return saveDevice(ctx, r.pool, d)
}

func saveDevice(ctx context.Context, db execer, d *Device) error {
	_, err := db.Exec(ctx, saveDeviceQuery,
		d.ID,
		d.CountryCode,
		d.IMEI,
		d.SimID,
		d.LastSeenAt,
		d.HealthStatus,
		d.CreatedAt,
		d.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save device: %w", err)
	}
	return nil
}

// ListDevices returns all devices ordered by ID.
func (r *PostgresRepository) ListDevices(ctx context.Context) ([]*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := r.scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return devices, nil
}

const simColumns = `id, country_code, status, last_status_check_at, block_detected_at, created_at, updated_at`

// GetSIM retrieves a SIM by ID.
func (r *PostgresRepository) GetSIM(ctx context.Context, id string) (*SIM, error) {
	query := `SELECT ` + simColumns + ` FROM sims WHERE id = $1`
	return r.scanSIM(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) scanSIM(row pgx.Row) (*SIM, error) {
	var s SIM
	err := row.Scan(
		&s.ID,
		&s.CountryCode,
		&s.Status,
		&s.LastStatusCheckAt,
		&s.BlockDetectedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSimNotFound
		}
		return nil, fmt.Errorf("scan sim: %w", err)
	}
	return &s, nil
}

// SaveSIM creates or replaces a SIM.
func (r *PostgresRepository) SaveSIM(ctx context.Context, s *SIM) error {
	query := `
		INSERT INTO sims (id, country_code, status, last_status_check_at, block_detected_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			country_code = EXCLUDED.country_code,
			status = EXCLUDED.status,
			last_status_check_at = EXCLUDED.last_status_check_at,
			block_detected_at = EXCLUDED.block_detected_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err := r.pool.Exec(ctx, query,
		s.ID,
		s.CountryCode,
		s.Status,
		s.LastStatusCheckAt,
		s.BlockDetectedAt,
		s.CreatedAt,
		s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save sim: %w", err)
	}
	return nil
}

// ListSIMs returns all SIMs ordered by ID.
func (r *PostgresRepository) ListSIMs(ctx context.Context) ([]*SIM, error) {
	query := `SELECT ` + simColumns + ` FROM sims ORDER BY id`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list sims: %w", err)
	}
	defer rows.Close()

	var sims []*SIM
	for rows.Next() {
		s, err := r.scanSIM(rows)
		if err != nil {
			return nil, err
		}
		sims = append(sims, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sims: %w", err)
	}
	return sims, nil
}

// SaveDeviceImei saves the device and appends the IMEI audit entry in one
// transaction.
func (r *PostgresRepository) SaveDeviceImei(ctx context.Context, d *Device, entry ImeiAudit) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin imei change: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	if err := saveDevice(ctx, tx, d); err != nil {
		return err
	}
	query := `
		INSERT INTO imei_audit (device_id, old_imei, new_imei, changed_at)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := tx.Exec(ctx, query, entry.DeviceID, entry.OldIMEI, entry.NewIMEI, entry.ChangedAt); err != nil {
		return fmt.Errorf("append imei audit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit imei change: %w", err)
	}
	return nil
}

// ListImeiAudit returns the IMEI history of a device, oldest first.
func (r *PostgresRepository) ListImeiAudit(ctx context.Context, deviceID string) ([]ImeiAudit, error) {
	query := `
		SELECT device_id, old_imei, new_imei, changed_at
		FROM imei_audit
		WHERE device_id = $1
		ORDER BY changed_at, id
	`

	rows, err := r.pool.Query(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("list imei audit: %w", err)
	}
	defer rows.Close()

	var entries []ImeiAudit
	for rows.Next() {
		var e ImeiAudit
		if err := rows.Scan(&e.DeviceID, &e.OldIMEI, &e.NewIMEI, &e.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan imei audit: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
