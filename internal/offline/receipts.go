package offline

import (
	"context"
	"database/sql"
	"fmt"
)

// StoreReceipt saves the rendered receipt for a transaction, replacing any
// earlier rendering.
func (s *Store) StoreReceipt(ctx context.Context, transactionID string, content []byte) error {
	if transactionID == "" {
		return fmt.Errorf("transaction id is required")
	}

	query := `
		INSERT INTO receipts (transaction_id, content, created_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(transaction_id) DO UPDATE SET content = excluded.content`

	if _, err := s.db.ExecContext(ctx, query, transactionID, content); err != nil {
		return fmt.Errorf("failed to store receipt for %s: %w", transactionID, err)
	}
	return nil
}

// GetReceipt returns the stored receipt for reprint or resend
func (s *Store) GetReceipt(ctx context.Context, transactionID string) ([]byte, error) {
	var content []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT content FROM receipts WHERE transaction_id = ?`, transactionID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: receipt %s", ErrNotFound, transactionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", transactionID, err)
	}
	return content, nil
}
