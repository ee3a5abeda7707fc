// Package db holds the persistent schema and opens the SQLite database
// that backs the transfer journal and the receiver directory.
package db

import (
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Registration binds a receiver string that arrives in packets to a local
// account able to accept deposits.
type Registration struct {
	ID        uint   `gorm:"primaryKey"`
	Receiver  string `gorm:"uniqueIndex;not null"`
	Account   string `gorm:"not null"`
	CreatedAt int64
}

// Transfer is one journaled send or receive.
type Transfer struct {
	ID           uint   `gorm:"primaryKey"`
	Direction    string `gorm:"index;not null"`
	DenomURI     string `gorm:"index"`
	Denomination string
	Amount       string
	Receiver     string
	Status       string `gorm:"index"`
	Error        string
	CreatedAt    int64
}

// Open opens (creating if needed) the database at path and migrates the
// schema. ":memory:" yields a private in-memory database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt: true,
		Logger:      logger.Default.LogMode(logger.Silent),
		NowFunc:     func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Each connection to ":memory:" is its own database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := db.AutoMigrate(&Registration{}, &Transfer{}); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
