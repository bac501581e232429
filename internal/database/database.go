package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"homepedia/server/internal/models"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// dependents maps a table to the tables holding a foreign key to it.
var dependents = map[string][]string{
	"regions":      {"departements"},
	"departements": {"communes", "prix_moyens_departements"},
	"communes": {
		"transactions",
		"prix_moyens_communes",
		"indicateurs_economiques_communes",
		"indicateurs_education_communes",
	},
	"types_bien": {"transactions", "prix_moyens_communes", "prix_moyens_departements"},
}

// Open connects to the store named by url. postgres:// and postgresql:// URLs use
// the pgx driver, anything else is treated as a SQLite DSN.
func Open(url string, logger *logrus.Logger) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	}

	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		db, err := gorm.Open(postgres.Open(url), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if logger != nil {
			logger.Info("Connected to PostgreSQL")
		}
		return db, nil
	}

	dsn := strings.TrimPrefix(url, "sqlite://")
	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// Enable foreign keys
	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// One writer at a time; the pragma above is per connection
	sqlDB.SetMaxOpenConns(1)

	if logger != nil {
		logger.WithField("dsn", dsn).Info("Opened SQLite database")
	}
	return db, nil
}

// Migrate creates or updates every table of the schema.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(models.All()...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Dialect returns DialectPostgres or DialectSQLite for db.
func Dialect(db *gorm.DB) string {
	if db.Dialector.Name() == "postgres" {
		return DialectPostgres
	}
	return DialectSQLite
}

// Truncate empties table and every table depending on it, restarting identities.
func Truncate(tx *gorm.DB, table string) error {
	if Dialect(tx) == DialectPostgres {
		if err := tx.Exec(fmt.Sprintf("TRUNCATE TABLE %s RESTART IDENTITY CASCADE", table)).Error; err != nil {
			return fmt.Errorf("failed to truncate %s: %w", table, err)
		}
		return nil
	}
	return truncateSQLite(tx, table, map[string]bool{})
}

func truncateSQLite(tx *gorm.DB, table string, seen map[string]bool) error {
	if seen[table] {
		return nil
	}
	seen[table] = true

	for _, child := range dependents[table] {
		if err := truncateSQLite(tx, child, seen); err != nil {
			return err
		}
	}

	if err := tx.Exec(fmt.Sprintf("DELETE FROM %s", table)).Error; err != nil {
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}
	// sqlite_sequence only exists once an AUTOINCREMENT table was written to
	tx.Exec("DELETE FROM sqlite_sequence WHERE name = ?", table)
	return nil
}

// YearExpr returns the SQL expression extracting the year of a date column as an integer.
func YearExpr(db *gorm.DB, column string) string {
	if Dialect(db) == DialectPostgres {
		return fmt.Sprintf("CAST(EXTRACT(YEAR FROM %s) AS INTEGER)", column)
	}
	return fmt.Sprintf("CAST(strftime('%%Y', %s) AS INTEGER)", column)
}

// QuarterExpr returns the SQL expression extracting the quarter (1-4) of a date column.
func QuarterExpr(db *gorm.DB, column string) string {
	if Dialect(db) == DialectPostgres {
		return fmt.Sprintf("CAST(EXTRACT(QUARTER FROM %s) AS INTEGER)", column)
	}
	return fmt.Sprintf("((CAST(strftime('%%m', %s) AS INTEGER) + 2) / 3)", column)
}

// IsConstraintViolation reports whether err comes from a unique, foreign key,
// not-null or check constraint of either backend.
func IsConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23: integrity constraint violation
		return strings.HasPrefix(pgErr.Code, "23")
	}
	return false
}
