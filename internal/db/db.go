// Package db is the PostgreSQL-backed account store and transaction
// archive. The ledger engine itself is memory-authoritative; accounts
// are loaded from here at startup, and transactions that reach a
// terminal state are archived here for audit.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bitonic-cjp/bl4p-server/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// New initializes a new database connection pool
func New(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	db.Pool.Close()
}

// Account is a provisioned user: login credentials, the self-report
// verification key, and the opening ledger balance.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	PubKey       []byte // compressed secp256k1 public key
	Balance      int64  // smallest currency unit
	CreatedAt    time.Time
}

// CreateAccount inserts a new account
func (db *DB) CreateAccount(ctx context.Context, username, passwordHash string, pubKey []byte, balance int64) (*Account, error) {
	acct := &Account{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO accounts (username, password_hash, pub_key, balance) VALUES ($1, $2, $3, $4) RETURNING id, username, password_hash, pub_key, balance, created_at",
		username, passwordHash, pubKey, balance).Scan(
		&acct.ID, &acct.Username, &acct.PasswordHash, &acct.PubKey, &acct.Balance, &acct.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return acct, nil
}

// GetAccountByUsername retrieves an account by username
func (db *DB) GetAccountByUsername(ctx context.Context, username string) (*Account, error) {
	acct := &Account{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, pub_key, balance, created_at FROM accounts WHERE username = $1",
		username).Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.PubKey, &acct.Balance, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// ListAccounts retrieves all accounts, for loading into the ledger at
// startup
func (db *DB) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, username, password_hash, pub_key, balance, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var acct Account
		if err := rows.Scan(&acct.ID, &acct.Username, &acct.PasswordHash, &acct.PubKey, &acct.Balance, &acct.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return accounts, nil
}

// ArchiveTransaction records a transaction that reached a terminal
// state. Re-archiving the same payment hash updates the stored status,
// so redundant calls are harmless.
func (db *DB) ArchiveTransaction(ctx context.Context, hash models.Hash, tx *models.Transaction) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO transactions_archive
			(payment_hash, sender_id, receiver_id, amount_incoming, amount_outgoing, status, sender_deadline, receiver_deadline)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (payment_hash) DO UPDATE SET status = EXCLUDED.status
	`, hash[:], tx.SenderID, tx.ReceiverID, tx.AmountIncoming, tx.AmountOutgoing,
		tx.Status.String(), tx.SenderDeadline, tx.ReceiverDeadline)
	if err != nil {
		return fmt.Errorf("failed to archive transaction: %w", err)
	}
	return nil
}
