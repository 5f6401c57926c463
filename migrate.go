package main

import (
	"database/sql"
	"errors"
	"fmt"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"
)

func withMigrator(migrationsDir, dbURL string, fn func(m *migrate.Migrate) error) error {
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		return fmt.Errorf("opening database connection: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("creating migrate driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsDir, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}
	return fn(m)
}

// ApplyMigrations brings the Postgres schema up to date. A dirty database is
// refused rather than migrated further.
func ApplyMigrations(migrationsDir, dbURL string) error {
	return withMigrator(migrationsDir, dbURL, func(m *migrate.Migrate) error {
		version, dirty, err := m.Version()
		if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
			return fmt.Errorf("checking migration version: %w", err)
		}
		if dirty {
			return fmt.Errorf("database is in a dirty state (version %d), run cmd/migrate -command force", version)
		}

		if err := m.Up(); err != nil {
			if errors.Is(err, migrate.ErrNoChange) {
				log.Printf("Database is up to date (version %d)", version)
				return nil
			}
			return fmt.Errorf("applying migrations: %w", err)
		}
		if newVersion, _, _ := m.Version(); newVersion != version {
			log.Printf("Migrated from version %d to %d", version, newVersion)
		}
		return nil
	})
}
