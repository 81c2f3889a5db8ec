package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"omniplex.app/billing/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Storage interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error)
	FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error)
	SaveCustomer(ctx context.Context, customer *models.Customer) error

	GetEntitlement(ctx context.Context, customerID string) (*models.Entitlement, error)
	SaveEntitlement(ctx context.Context, entitlement *models.Entitlement) error

	// RecordEvent appends a verified webhook event. It reports false
	// when the event id was already recorded, which is how replayed
	// deliveries are detected.
	RecordEvent(ctx context.Context, event *models.WebhookEvent) (bool, error)
	GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error)

	Close() error
}

type MemoryStorage struct {
	mu           sync.Mutex
	Customers    map[string]models.Customer
	Entitlements map[string]models.Entitlement // keyed by customer id
	Events       map[string]models.WebhookEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		Customers:    make(map[string]models.Customer),
		Entitlements: make(map[string]models.Entitlement),
		Events:       make(map[string]models.WebhookEvent),
	}
}

func (m *MemoryStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	customer, exists := m.Customers[id]
	if !exists {
		return nil, nil
	}
	return &customer, nil
}

func (m *MemoryStorage) FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, customer := range m.Customers {
		if customer.Email == email {
			c := customer
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stripeCustomerID == "" {
		return nil, nil
	}
	for _, customer := range m.Customers {
		if customer.StripeCustomerID == stripeCustomerID {
			c := customer
			return &c, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Customers[customer.ID] = *customer
	return nil
}

func (m *MemoryStorage) GetEntitlement(ctx context.Context, customerID string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entitlement, exists := m.Entitlements[customerID]
	if !exists {
		return nil, nil
	}
	return &entitlement, nil
}

func (m *MemoryStorage) SaveEntitlement(ctx context.Context, entitlement *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Customers[entitlement.CustomerID]; !exists {
		return fmt.Errorf("customer %s not found", entitlement.CustomerID)
	}
	m.Entitlements[entitlement.CustomerID] = *entitlement
	return nil
}

func (m *MemoryStorage) RecordEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Events[event.ID]; exists {
		return false, nil
	}
	m.Events[event.ID] = *event
	return true, nil
}

func (m *MemoryStorage) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, exists := m.Events[id]
	if !exists {
		return nil, nil
	}
	return &event, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path}, nil
}

func runMigrations(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return err
	}

	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func (s *SQLiteStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	query := `SELECT id, email, stripe_customer_id, created_at, updated_at FROM customers WHERE id = ?`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStorage) FindCustomerByEmail(ctx context.Context, email string) (*models.Customer, error) {
	query := `SELECT id, email, stripe_customer_id, created_at, updated_at FROM customers WHERE email = ?`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, email))
}

func (s *SQLiteStorage) FindCustomerByStripeID(ctx context.Context, stripeCustomerID string) (*models.Customer, error) {
	if stripeCustomerID == "" {
		return nil, nil
	}
	query := `SELECT id, email, stripe_customer_id, created_at, updated_at FROM customers WHERE stripe_customer_id = ?`
	return s.scanCustomer(s.db.QueryRowContext(ctx, query, stripeCustomerID))
}

func (s *SQLiteStorage) scanCustomer(row *sql.Row) (*models.Customer, error) {
	var customer models.Customer
	var stripeID sql.NullString

	err := row.Scan(
		&customer.ID,
		&customer.Email,
		&stripeID,
		&customer.CreatedAt,
		&customer.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	customer.StripeCustomerID = stripeID.String
	return &customer, nil
}

func (s *SQLiteStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	query := `INSERT INTO customers (id, email, stripe_customer_id, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?)
	          ON CONFLICT(id) DO UPDATE SET
	          email = excluded.email,
	          stripe_customer_id = excluded.stripe_customer_id,
	          updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		customer.ID,
		customer.Email,
		customer.StripeCustomerID,
		customer.CreatedAt,
		customer.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) GetEntitlement(ctx context.Context, customerID string) (*models.Entitlement, error) {
	query := `SELECT id, customer_id, status, stripe_subscription_id, stripe_session_id, current_period_end, created_at, updated_at
	          FROM entitlements WHERE customer_id = ?`

	var entitlement models.Entitlement
	var subscriptionID, sessionID sql.NullString
	var periodEnd sql.NullTime

	err := s.db.QueryRowContext(ctx, query, customerID).Scan(
		&entitlement.ID,
		&entitlement.CustomerID,
		&entitlement.Status,
		&subscriptionID,
		&sessionID,
		&periodEnd,
		&entitlement.CreatedAt,
		&entitlement.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	entitlement.StripeSubscriptionID = subscriptionID.String
	entitlement.StripeSessionID = sessionID.String
	if periodEnd.Valid {
		entitlement.CurrentPeriodEnd = periodEnd.Time
	}
	return &entitlement, nil
}

func (s *SQLiteStorage) SaveEntitlement(ctx context.Context, entitlement *models.Entitlement) error {
	query := `INSERT INTO entitlements (id, customer_id, status, stripe_subscription_id, stripe_session_id, current_period_end, created_at, updated_at)
	          VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	          ON CONFLICT(customer_id) DO UPDATE SET
	          status = excluded.status,
	          stripe_subscription_id = excluded.stripe_subscription_id,
	          stripe_session_id = excluded.stripe_session_id,
	          current_period_end = excluded.current_period_end,
	          updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		entitlement.ID,
		entitlement.CustomerID,
		entitlement.Status,
		entitlement.StripeSubscriptionID,
		entitlement.StripeSessionID,
		nullableTime(entitlement.CurrentPeriodEnd),
		entitlement.CreatedAt,
		entitlement.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) RecordEvent(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	query := `INSERT OR IGNORE INTO webhook_events (id, type, payload, received_at) VALUES (?, ?, ?, ?)`

	result, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.Type,
		event.Payload,
		event.ReceivedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}

	inserted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return inserted > 0, nil
}

func (s *SQLiteStorage) GetEvent(ctx context.Context, id string) (*models.WebhookEvent, error) {
	query := `SELECT id, type, payload, received_at FROM webhook_events WHERE id = ?`

	var event models.WebhookEvent
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&event.ID,
		&event.Type,
		&event.Payload,
		&event.ReceivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &event, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
