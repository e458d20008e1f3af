package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"settlement-service/internal/models"
	"settlement-service/internal/payment"
	"settlement-service/internal/store"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

var errInjected = errors.New("injected failure")

// memStore is an in-memory stand-in for the Postgres store
type memStore struct {
	mu sync.Mutex

	products      map[string]models.Product
	profiles      map[string]models.Profile
	orders        map[string]models.Order
	items         map[string][]models.OrderItem
	ledger        map[string]models.SellerCustomer
	ledgerWrites  []int64
	prefs         map[string]map[string]bool
	notifications []models.Notification
	events        map[string]bool

	failItemAt       int // fail the n-th CreateOrderItem call (1-based), 0 = never
	itemCalls        int
	failMarkPaid     int // number of MarkOrderPaid calls that fail
	markPaidCalls    int
	failSetAccount   error
	failSetCustomer  error
	failNotification error
	failLedger       error
}

func newMemStore() *memStore {
	return &memStore{
		products: make(map[string]models.Product),
		profiles: make(map[string]models.Profile),
		orders:   make(map[string]models.Order),
		items:    make(map[string][]models.OrderItem),
		ledger:   make(map[string]models.SellerCustomer),
		prefs:    make(map[string]map[string]bool),
		events:   make(map[string]bool),
	}
}

func (m *memStore) addProduct(id string, sellerID *string, price string) {
	m.products[id] = models.Product{ID: id, SellerID: sellerID, Name: "product " + id, Price: decimal.RequireFromString(price)}
}

func (m *memStore) addProfile(p models.Profile) {
	m.profiles[p.ID] = p
}

func (m *memStore) order(id string) models.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders[id]
}

func (m *memStore) notificationsFor(userID string) []models.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out
}

func (m *memStore) GetProductsByIDs(_ context.Context, ids []string) ([]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Product
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memStore) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, fmt.Errorf("profile %s: %w", id, store.ErrNotFound)
	}
	return &p, nil
}

func (m *memStore) SetStripeAccountID(_ context.Context, userID, accountID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetAccount != nil {
		return false, m.failSetAccount
	}
	p := m.profiles[userID]
	if p.StripeAccountID != nil {
		return false, nil
	}
	p.StripeAccountID = &accountID
	m.profiles[userID] = p
	return true, nil
}

func (m *memStore) ClearStripeAccountID(_ context.Context, userID, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.profiles[userID]
	if p.StripeAccountID != nil && *p.StripeAccountID == accountID {
		p.StripeAccountID = nil
		m.profiles[userID] = p
	}
	return nil
}

func (m *memStore) SetStripeCustomerID(_ context.Context, userID, customerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSetCustomer != nil {
		return false, m.failSetCustomer
	}
	p := m.profiles[userID]
	if p.StripeCustomerID != nil {
		return false, nil
	}
	p.StripeCustomerID = &customerID
	m.profiles[userID] = p
	return true, nil
}

func (m *memStore) CreateOrder(_ context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order.ID = uuid.New().String()
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt
	m.orders[order.ID] = *order
	return nil
}

func (m *memStore) GetOrderByID(_ context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, store.ErrNotFound)
	}
	return &o, nil
}

func (m *memStore) GetOrderByIdempotencyKey(_ context.Context, buyerID, key string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.BuyerID == buyerID && o.IdempotencyKey != nil && *o.IdempotencyKey == key {
			return &o, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateOrderItem(_ context.Context, item *models.OrderItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.itemCalls++
	if m.failItemAt > 0 && m.itemCalls == m.failItemAt {
		return errInjected
	}
	item.ID = uuid.New().String()
	m.items[item.OrderID] = append(m.items[item.OrderID], *item)
	return nil
}

func (m *memStore) GetOrderItemsByOrderID(_ context.Context, orderID string) ([]models.OrderItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.OrderItem(nil), m.items[orderID]...), nil
}

func (m *memStore) UpdateOrderStatus(_ context.Context, orderID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.Status != from {
		return false, nil
	}
	o.Status = to
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) MarkOrderPaid(_ context.Context, orderID, intentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPaidCalls++
	if m.markPaidCalls <= m.failMarkPaid {
		return false, errInjected
	}
	o, ok := m.orders[orderID]
	if !ok || !models.CanTransitionPayment(o.PaymentStatus, models.PaymentStatusPaid) {
		return false, nil
	}
	o.PaymentStatus = models.PaymentStatusPaid
	o.PaymentIntentID = &intentID
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) MarkPaymentFailed(_ context.Context, orderID, intentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusPending {
		return false, nil
	}
	o.PaymentStatus = models.PaymentStatusFailed
	o.PaymentIntentID = &intentID
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) MarkPaymentRetrying(_ context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok || o.PaymentStatus != models.PaymentStatusFailed {
		return false, nil
	}
	o.PaymentStatus = models.PaymentStatusPending
	m.orders[orderID] = o
	return true, nil
}

func (m *memStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.events[eventID], nil
}

func (m *memStore) MarkEventProcessed(_ context.Context, eventID, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = true
	return nil
}

func ledgerKey(sellerID, customerID string) string {
	return sellerID + "/" + customerID
}

func (m *memStore) GetSellerCustomer(_ context.Context, sellerID, customerID string) (*models.SellerCustomer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLedger != nil {
		return nil, m.failLedger
	}
	row, ok := m.ledger[ledgerKey(sellerID, customerID)]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (m *memStore) InsertSellerCustomer(_ context.Context, row *models.SellerCustomer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := ledgerKey(row.SellerID, row.CustomerID)
	if _, ok := m.ledger[k]; ok {
		return errors.New("duplicate key value violates unique constraint")
	}
	m.ledger[k] = *row
	m.ledgerWrites = append(m.ledgerWrites, row.TotalOrders)
	return nil
}

func (m *memStore) UpdateSellerCustomer(_ context.Context, row *models.SellerCustomer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ledger[ledgerKey(row.SellerID, row.CustomerID)] = *row
	m.ledgerWrites = append(m.ledgerWrites, row.TotalOrders)
	return nil
}

func (m *memStore) IncrementSellerCustomer(_ context.Context, sellerID, customerID string, amount decimal.Decimal, at time.Time) (*models.SellerCustomer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLedger != nil {
		return nil, m.failLedger
	}
	k := ledgerKey(sellerID, customerID)
	row, ok := m.ledger[k]
	if !ok {
		row = models.SellerCustomer{SellerID: sellerID, CustomerID: customerID, TotalSpent: decimal.Zero}
	}
	row.TotalOrders++
	row.TotalSpent = row.TotalSpent.Add(amount)
	row.LastPurchaseDate = at
	row.Status = models.LedgerStatusActive
	m.ledger[k] = row
	m.ledgerWrites = append(m.ledgerWrites, row.TotalOrders)
	return &row, nil
}

func (m *memStore) ledgerRow(sellerID, customerID string) (models.SellerCustomer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.ledger[ledgerKey(sellerID, customerID)]
	return row, ok
}

func (m *memStore) GetNotificationPreferences(_ context.Context, userID string, columns []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.prefs[userID]
	if !ok {
		return nil, nil
	}
	out := make(map[string]bool)
	for _, c := range columns {
		if v, ok := row[c]; ok {
			out[c] = v
		}
	}
	return out, nil
}

func (m *memStore) UpsertNotificationPreferences(_ context.Context, userID string, flags map[string]bool, columns []string, overwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, exists := m.prefs[userID]
	if exists && !overwrite {
		return nil
	}
	if !exists {
		row = make(map[string]bool)
		m.prefs[userID] = row
	}
	for _, c := range columns {
		if v, ok := flags[c]; ok {
			row[c] = v
		}
	}
	return nil
}

func (m *memStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNotification != nil {
		return m.failNotification
	}
	n.ID = uuid.New().String()
	n.CreatedAt = time.Now()
	m.notifications = append(m.notifications, *n)
	return nil
}

func (m *memStore) ListNotifications(_ context.Context, userID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Notification
	for _, n := range m.notifications {
		if n.UserID == userID && (!unreadOnly || !n.Read) {
			out = append(out, n)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) MarkNotificationRead(_ context.Context, userID, notificationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, n := range m.notifications {
		if n.ID == notificationID && n.UserID == userID {
			m.notifications[i].Read = true
			return true, nil
		}
	}
	return false, nil
}

// memLocker grants one holder per key
type memLocker struct {
	mu    sync.Mutex
	held  map[string]string
	calls int
}

func newMemLocker() *memLocker {
	return &memLocker{held: make(map[string]string)}
}

func (l *memLocker) AcquireLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if _, ok := l.held[key]; ok {
		return "", false, nil
	}
	token := uuid.New().String()
	l.held[key] = token
	return token, true, nil
}

func (l *memLocker) ReleaseLock(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

// memCache is an idempotency cache without expiry
type memCache struct {
	mu     sync.Mutex
	values map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{values: make(map[string][]byte)}
}

func (c *memCache) GetIdempotencyKey(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok, nil
}

func (c *memCache) SetIdempotencyKey(_ context.Context, key string, value interface{}, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch v := value.(type) {
	case []byte:
		c.values[key] = v
	case string:
		c.values[key] = []byte(v)
	default:
		return fmt.Errorf("unsupported cache value %T", value)
	}
	return nil
}

// recordingPublisher keeps every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []interface{}
	err    error
}

func (p *recordingPublisher) record(e interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	return p.record(e)
}

func (p *recordingPublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	return p.record(e)
}

func (p *recordingPublisher) PublishOrderStatusChanged(_ context.Context, e *models.OrderStatusChangedEvent) error {
	return p.record(e)
}

func (p *recordingPublisher) PublishPaymentFailed(_ context.Context, e *models.PaymentFailedEvent) error {
	return p.record(e)
}

func (p *recordingPublisher) PublishSellerAccountProvisioned(_ context.Context, e *models.SellerAccountProvisionedEvent) error {
	return p.record(e)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

// MockProcessor is a testify mock of payment.Processor
type MockProcessor struct{ mock.Mock }

func (m *MockProcessor) CreateAccount(ctx context.Context, params payment.CreateAccountParams) (*payment.Account, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Account), args.Error(1)
}

func (m *MockProcessor) GetAccount(ctx context.Context, accountID string) (*payment.Account, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Account), args.Error(1)
}

func (m *MockProcessor) DeleteAccount(ctx context.Context, accountID string) error {
	return m.Called(ctx, accountID).Error(0)
}

func (m *MockProcessor) CreateAccountLink(ctx context.Context, accountID string) (string, error) {
	args := m.Called(ctx, accountID)
	return args.String(0), args.Error(1)
}

func (m *MockProcessor) CreatePaymentIntent(ctx context.Context, params payment.IntentParams) (*payment.Intent, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Intent), args.Error(1)
}

func (m *MockProcessor) GetPaymentIntent(ctx context.Context, intentID string) (*payment.Intent, error) {
	args := m.Called(ctx, intentID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.Intent), args.Error(1)
}

func (m *MockProcessor) CreateCustomer(ctx context.Context, userID, email string) (string, error) {
	args := m.Called(ctx, userID, email)
	return args.String(0), args.Error(1)
}

func (m *MockProcessor) DeleteCustomer(ctx context.Context, customerID string) error {
	return m.Called(ctx, customerID).Error(0)
}

func (m *MockProcessor) AttachPaymentMethod(ctx context.Context, paymentMethodID, customerID string) error {
	return m.Called(ctx, paymentMethodID, customerID).Error(0)
}

func (m *MockProcessor) SetDefaultPaymentMethod(ctx context.Context, customerID, paymentMethodID string) error {
	return m.Called(ctx, customerID, paymentMethodID).Error(0)
}

func (m *MockProcessor) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	args := m.Called(payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payment.WebhookEvent), args.Error(1)
}

func strPtr(s string) *string { return &s }

var testTimeouts = Timeouts{Processor: time.Second, Store: time.Second}
