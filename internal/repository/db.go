package repository

import (
	"context"
	"fmt"

	"gorm.io/gorm"
)

// Database owns the postgres connection and the repositories built on it.
type Database struct {
	db       *gorm.DB
	callLogs *CallLogRepository
}

// Open connects, pings and migrates the database described by config.
func Open(ctx context.Context, config *DatabaseConfig) (*Database, error) {
	db, err := NewDatabaseConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create database connection: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := AutoMigrate(db.WithContext(ctx)); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run auto migration: %w", err)
	}

	return NewDatabase(db), nil
}

// NewDatabase wraps an existing connection.
func NewDatabase(db *gorm.DB) *Database {
	return &Database{
		db:       db,
		callLogs: NewCallLogRepository(db),
	}
}

// CallLogs returns the call log repository
func (d *Database) CallLogs() *CallLogRepository {
	return d.callLogs
}

// Ping checks the database connection
func (d *Database) Ping(ctx context.Context) error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (d *Database) Close() error {
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
