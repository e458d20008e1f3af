package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"settlement-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// ErrNotFound is returned by single-row lookups that match nothing
var ErrNotFound = errors.New("record not found")

type Store struct {
	db *sqlx.DB
}

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection for readiness checks
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetProductsByIDs retrieves multiple products by IDs
func (s *Store) GetProductsByIDs(ctx context.Context, ids []string) ([]models.Product, error) {
	if len(ids) == 0 {
		return []models.Product{}, nil
	}

	query, args, err := sqlx.In("SELECT id, seller_id, name, price FROM products WHERE id IN (?)", ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	err = s.db.SelectContext(ctx, &products, query, args...)
	return products, err
}

const profileColumns = "id, email, account_type, business_name, stripe_account_id, stripe_customer_id, created_at"

// GetProfile retrieves a user profile by ID
func (s *Store) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	var profile models.Profile
	err := s.db.GetContext(ctx, &profile, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("profile %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// SetStripeAccountID stores the processor account id only if none is stored yet.
// Returns false when another writer got there first.
func (s *Store) SetStripeAccountID(ctx context.Context, userID, accountID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_account_id = $1, updated_at = NOW() WHERE id = $2 AND stripe_account_id IS NULL",
		accountID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClearStripeAccountID removes a stale account reference if it still matches
func (s *Store) ClearStripeAccountID(ctx context.Context, userID, accountID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_account_id = NULL, updated_at = NOW() WHERE id = $1 AND stripe_account_id = $2",
		userID, accountID)
	return err
}

// SetStripeCustomerID stores the processor customer id only if none is stored yet
func (s *Store) SetStripeCustomerID(ctx context.Context, userID, customerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE profiles SET stripe_customer_id = $1, updated_at = NOW() WHERE id = $2 AND stripe_customer_id IS NULL",
		customerID, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
