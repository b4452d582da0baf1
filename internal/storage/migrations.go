package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationStatus represents the current state of database migrations
type MigrationStatus struct {
	CurrentVersion    int                `json:"current_version"`
	LatestVersion     int                `json:"latest_version"`
	AppliedMigrations []AppliedMigration `json:"applied_migrations"`
	PendingMigrations int                `json:"pending_migrations"`
}

// AppliedMigration represents a migration that has been successfully applied
type AppliedMigration struct {
	Version       int           `json:"version"`
	Description   string        `json:"description"`
	AppliedAt     time.Time     `json:"applied_at"`
	ExecutionTime time.Duration `json:"execution_time"`
}

// MigrationManager handles database schema migrations for DuckDB
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations []Migration
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: allMigrations(),
	}
}

// initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) initialize(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at TIMESTAMP NOT NULL,
			execution_time BIGINT NOT NULL DEFAULT 0
		)`

	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// LatestVersion returns the highest known migration version
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrations) == 0 {
		return 0
	}
	return m.migrations[len(m.migrations)-1].Version
}

// MigrateToLatest runs all pending migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	if currentVersion >= targetVersion {
		m.logger.Debug("schema is up to date", "current_version", currentVersion)
		return nil
	}

	m.logger.Info("starting migration",
		"current_version", currentVersion,
		"target_version", targetVersion)

	applied := 0
	for _, migration := range m.migrations {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
		applied++
	}

	m.logger.Info("migrations completed",
		"final_version", targetVersion,
		"migrations_run", applied)

	return nil
}

// Rollback rolls back migrations down to the target version
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrations) - 1; i >= 0; i-- {
		migration := m.migrations[i]
		if migration.Version <= targetVersion || migration.Version > currentVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to rollback migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.initialize(ctx); err != nil {
		return nil, err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}

	pending := 0
	for _, migration := range m.migrations {
		if migration.Version > currentVersion {
			pending++
		}
	}

	return &MigrationStatus{
		CurrentVersion:    currentVersion,
		LatestVersion:     m.LatestVersion(),
		AppliedMigrations: applied,
		PendingMigrations: pending,
	}, nil
}

// runMigration executes a single migration in a transaction and records it
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()
	m.logger.Info("applying migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	insertQuery := `
		INSERT INTO schema_migrations (version, description, applied_at, execution_time)
		VALUES (?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, insertQuery,
		migration.Version,
		migration.Description,
		start.UTC(),
		time.Since(start).Nanoseconds()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"duration", time.Since(start))
	return nil
}

// rollbackMigration executes a single migration rollback
func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	m.logger.Info("rolling back migration",
		"version", migration.Version,
		"description", migration.Description)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}
	return nil
}

// currentVersion returns the highest applied migration version
func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	query := "SELECT COALESCE(MAX(version), 0) FROM schema_migrations"
	if err := m.db.QueryRowContext(ctx, query).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

// appliedMigrations returns the applied migrations with metadata
func (m *MigrationManager) appliedMigrations(ctx context.Context) ([]AppliedMigration, error) {
	query := `
		SELECT version, description, applied_at, execution_time
		FROM schema_migrations
		ORDER BY version`

	rows, err := m.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	var migrations []AppliedMigration
	for rows.Next() {
		var migration AppliedMigration
		var executionTime int64
		if err := rows.Scan(&migration.Version, &migration.Description, &migration.AppliedAt, &executionTime); err != nil {
			return nil, fmt.Errorf("failed to scan migration row: %w", err)
		}
		migration.ExecutionTime = time.Duration(executionTime)
		migrations = append(migrations, migration)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration rows: %w", err)
	}
	return migrations, nil
}

func allMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Historical trades table keyed by time and exchange",
			Up:          migrationV1Up,
			Down:        migrationV1Down,
		},
		{
			Version:     2,
			Description: "Exchange and time indexes on historical trades",
			Up:          migrationV2Up,
			Down:        migrationV2Down,
		},
	}
}

// Migration V1: historical trades table
func migrationV1Up(ctx context.Context, tx *sql.Tx) error {
	query := `
		CREATE TABLE IF NOT EXISTS historical_trades (
			created_at TIMESTAMP NOT NULL,
			exchange_name VARCHAR NOT NULL,
			usd_price DECIMAL(38,12) NOT NULL,
			btc_price DECIMAL(38,12) NOT NULL,
			PRIMARY KEY (created_at, exchange_name)
		)`

	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create historical_trades table: %w", err)
	}
	return nil
}

func migrationV1Down(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS historical_trades"); err != nil {
		return fmt.Errorf("failed to drop historical_trades table: %w", err)
	}
	return nil
}

// Migration V2: lookup indexes
func migrationV2Up(ctx context.Context, tx *sql.Tx) error {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS historical_trades_exchange_name ON historical_trades (exchange_name)",
		"CREATE INDEX IF NOT EXISTS historical_trades_created_at ON historical_trades (created_at)",
	}

	for _, query := range indexes {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

func migrationV2Down(ctx context.Context, tx *sql.Tx) error {
	indexes := []string{
		"DROP INDEX IF EXISTS historical_trades_created_at",
		"DROP INDEX IF EXISTS historical_trades_exchange_name",
	}

	for _, query := range indexes {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to drop index: %w", err)
		}
	}
	return nil
}
