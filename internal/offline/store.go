package offline

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AnuragDani/pos-terminal/internal/logger"
	"github.com/AnuragDani/pos-terminal/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotFound is returned when no record exists for the given id
var ErrNotFound = errors.New("record not found")

// Store keeps completed sales and their receipts on the terminal
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

// Open opens (and if needed creates) the SQLite file at dbPath
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.New("offline-store")
	}

	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer per terminal
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{db: db, logger: log}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// StoreTransaction inserts tx or overwrites the record with the same id.
// The integrity hash is computed when the caller did not supply one.
func (s *Store) StoreTransaction(ctx context.Context, tx models.OfflineTransaction) (models.OfflineTransaction, error) {
	if tx.ID == "" {
		return tx, fmt.Errorf("transaction id is required")
	}
	if tx.IntegrityHash == "" {
		tx.IntegrityHash = GenerateIntegrityHash(tx)
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return tx, fmt.Errorf("failed to marshal transaction: %w", err)
	}

	query := `
		INSERT INTO offline_transactions (id, payload, synced, created_at, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			synced = excluded.synced,
			updated_at = CURRENT_TIMESTAMP`

	if _, err := s.db.ExecContext(ctx, query, tx.ID, string(payload), tx.Synced); err != nil {
		return tx, fmt.Errorf("failed to store transaction %s: %w", tx.ID, err)
	}

	s.logger.Debug("Transaction stored", "id", tx.ID, "total", tx.Total)
	return tx, nil
}

// GetTransaction loads one transaction by id
func (s *Store) GetTransaction(ctx context.Context, id string) (*models.OfflineTransaction, error) {
	var payload string
	var synced interface{}

	err := s.db.QueryRowContext(ctx,
		`SELECT payload, synced FROM offline_transactions WHERE id = ?`, id,
	).Scan(&payload, &synced)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction %s: %w", id, err)
	}

	tx, err := decodeTransaction(payload, synced)
	if err != nil {
		return nil, err
	}
	return &tx, nil
}

// GetUnsyncedTransactions returns every record not yet confirmed by the
// ledger. It never fails: read errors are logged and yield an empty list so
// a damaged row cannot block reconciliation of the others.
func (s *Store) GetUnsyncedTransactions(ctx context.Context) []models.OfflineTransaction {
	unsynced := []models.OfflineTransaction{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, payload, synced FROM offline_transactions ORDER BY created_at, id`)
	if err != nil {
		s.logger.Error("Failed to read offline transactions", "error", err)
		return unsynced
	}
	defer rows.Close()

	for rows.Next() {
		var id, payload string
		var synced interface{}
		if err := rows.Scan(&id, &payload, &synced); err != nil {
			s.logger.Error("Failed to scan offline transaction", "error", err)
			continue
		}
		if normalizeSynced(synced) {
			continue
		}

		tx, err := decodeTransaction(payload, synced)
		if err != nil {
			s.logger.Error("Skipping unreadable offline transaction", "id", id, "error", err)
			continue
		}
		unsynced = append(unsynced, tx)
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("Failed to iterate offline transactions", "error", err)
		return []models.OfflineTransaction{}
	}

	return unsynced
}

// MarkTransactionSynced flips the synced flag. Marking an already synced
// record again is a no-op.
func (s *Store) MarkTransactionSynced(ctx context.Context, id string) error {
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	var payload string
	var synced interface{}
	err = dbTx.QueryRowContext(ctx,
		`SELECT payload, synced FROM offline_transactions WHERE id = ?`, id,
	).Scan(&payload, &synced)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to load transaction %s: %w", id, err)
	}

	tx, err := decodeTransaction(payload, synced)
	if err != nil {
		return err
	}
	tx.Synced = true

	updated, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}

	_, err = dbTx.ExecContext(ctx,
		`UPDATE offline_transactions SET payload = ?, synced = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(updated), true, id)
	if err != nil {
		return fmt.Errorf("failed to mark transaction %s synced: %w", id, err)
	}

	return dbTx.Commit()
}

// PendingCount returns how many records still wait for reconciliation
func (s *Store) PendingCount(ctx context.Context) int {
	return len(s.GetUnsyncedTransactions(ctx))
}

func decodeTransaction(payload string, synced interface{}) (models.OfflineTransaction, error) {
	var tx models.OfflineTransaction
	if err := json.Unmarshal([]byte(payload), &tx); err != nil {
		return tx, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	tx.Synced = normalizeSynced(synced)
	return tx, nil
}

// normalizeSynced reads the synced column whatever representation the
// driver hands back: a bool, a 0/1 integer or a textual flag.
func normalizeSynced(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int64:
		return val != 0
	case int:
		return val != 0
	case float64:
		return val != 0
	case []byte:
		return normalizeSynced(string(val))
	case string:
		s := strings.TrimSpace(strings.ToLower(val))
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n != 0
		}
		return false
	default:
		return false
	}
}
