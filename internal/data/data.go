// internal/data/data.go
package data

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"esimbot/internal/logger"
)

// Global database instance
var (
	db   *sql.DB
	dbMu sync.RWMutex
)

const (
	maxOpenConns = 5
	maxIdleConns = 2
	queryTimeout = time.Second * 30
)

const TimeFormat = time.RFC3339

// PurchaseRecord is one fulfilled sale: one row per batch, not per unit.
type PurchaseRecord struct {
	ID        int64
	UserID    int64
	UserName  string
	Product   string
	Quantity  int
	Price     int
	CodeUsed  string
	Source    string // "manual" (admin approval) or "gateway" (webhook)
	CreatedAt time.Time
}

// InitDB opens the purchase-history database and creates the schema.
func InitDB(dataSourceName string) error {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		db.Close()
	}

	var err error
	db, err = sql.Open("sqlite", dataSourceName)
	if err != nil {
		return fmt.Errorf("opening purchase database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		db = nil
		return fmt.Errorf("pinging purchase database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		logger.LogWarn("Failed to enable some database optimizations: %v", err)
	}

	if err := createSchema(db); err != nil {
		db.Close()
		db = nil
		return fmt.Errorf("creating purchase schema: %w", err)
	}

	logger.LogInfo("Purchase database ready at %s", dataSourceName)
	return nil
}

func enablePragmas(conn *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}

	var lastErr error
	for _, pragma := range pragmas {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		_, err := conn.ExecContext(ctx, pragma)
		cancel()

		if err != nil {
			logger.LogWarn("Failed to execute %s: %v", pragma, err)
			lastErr = err
		}
	}
	return lastErr
}

func createSchema(conn *sql.DB) error {
	const stmt = `
		CREATE TABLE IF NOT EXISTS purchases (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			product TEXT NOT NULL,
			quantity INTEGER NOT NULL,
			price INTEGER NOT NULL,
			code_used TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'manual',
			created_at TEXT NOT NULL
		)`

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := conn.ExecContext(ctx, stmt)
	return err
}

// CloseDB closes the database connection.
func CloseDB() {
	dbMu.Lock()
	defer dbMu.Unlock()

	if db != nil {
		db.Close()
		db = nil
	}
}

func getDB() (*sql.DB, error) {
	dbMu.RLock()
	defer dbMu.RUnlock()

	if db == nil {
		return nil, fmt.Errorf("purchase database not initialized")
	}
	return db, nil
}

// InsertPurchase appends one fulfilled-sale row.
func InsertPurchase(rec PurchaseRecord) error {
	conn, err := getDB()
	if err != nil {
		return err
	}

	const stmt = `
		INSERT INTO purchases (user_id, user_name, product, quantity, price, code_used, source, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err = conn.ExecContext(ctx, stmt,
		rec.UserID, rec.UserName, rec.Product, rec.Quantity, rec.Price,
		rec.CodeUsed, rec.Source, rec.CreatedAt.Format(TimeFormat))
	if err != nil {
		return fmt.Errorf("inserting purchase: %w", err)
	}
	return nil
}

// RecentPurchases returns up to limit rows, newest first.
func RecentPurchases(limit int) ([]PurchaseRecord, error) {
	conn, err := getDB()
	if err != nil {
		return nil, err
	}

	const stmt = `
		SELECT id, user_id, user_name, product, quantity, price, code_used, source, created_at
		FROM purchases ORDER BY id DESC LIMIT ?`

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := conn.QueryContext(ctx, stmt, limit)
	if err != nil {
		return nil, fmt.Errorf("querying purchases: %w", err)
	}
	defer rows.Close()

	var records []PurchaseRecord
	for rows.Next() {
		var rec PurchaseRecord
		var created string
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.UserName, &rec.Product,
			&rec.Quantity, &rec.Price, &rec.CodeUsed, &rec.Source, &created); err != nil {
			return nil, fmt.Errorf("scanning purchase row: %w", err)
		}
		if t, err := time.Parse(TimeFormat, created); err == nil {
			rec.CreatedAt = t
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
