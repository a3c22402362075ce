package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	ledgerdomain "github.com/smallbiznis/meterledger/internal/ledger/domain"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	quotadomain "github.com/smallbiznis/meterledger/internal/quota/domain"
	usagedomain "github.com/smallbiznis/meterledger/internal/usage/domain"
	"gorm.io/gorm"
)

//go:embed migrations/postgres/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "migrations/postgres"

// Models lists every table owned by meterledger, in dependency order.
func Models() []any {
	return []any{
		&pricingdomain.Resource{},
		&pricingdomain.Pricing{},
		&pricingdomain.Subscription{},
		&usagedomain.UsageEvent{},
		&usagedomain.UsageSummary{},
		&quotadomain.FreeQuotaUsage{},
		&ledgerdomain.AccountActivity{},
		&ledgerdomain.AccountHistory{},
	}
}

// RunMigrations applies the embedded postgres migrations.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate creates the schema from the models for dialects without
// hand written migrations (sqlite, mysql).
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Migrate picks the migration strategy for the connection's dialect.
func Migrate(conn *gorm.DB) error {
	if conn.Dialector.Name() != "postgres" {
		return AutoMigrate(conn)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return RunMigrations(sqlDB)
}
