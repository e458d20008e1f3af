package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const testSecret = "test-secret"

type mockOrders struct{ mock.Mock }

func (m *mockOrders) CreateOrder(ctx context.Context, actor models.Identity, req *service.CreateOrderRequest) (*service.OrderDetails, error) {
	args := m.Called(ctx, actor, req)
	d, _ := args.Get(0).(*service.OrderDetails)
	return d, args.Error(1)
}

func (m *mockOrders) CompleteOrderItems(ctx context.Context, actor models.Identity, orderID string, cart []service.OrderItemRequest) (*service.OrderDetails, error) {
	args := m.Called(ctx, actor, orderID, cart)
	d, _ := args.Get(0).(*service.OrderDetails)
	return d, args.Error(1)
}

func (m *mockOrders) GetOrder(ctx context.Context, actor models.Identity, orderID string) (*service.OrderDetails, error) {
	args := m.Called(ctx, actor, orderID)
	d, _ := args.Get(0).(*service.OrderDetails)
	return d, args.Error(1)
}

func (m *mockOrders) UpdateOrderStatus(ctx context.Context, actor models.Identity, orderID, status string) (*models.Order, error) {
	args := m.Called(ctx, actor, orderID, status)
	o, _ := args.Get(0).(*models.Order)
	return o, args.Error(1)
}

type mockPayments struct{ mock.Mock }

func (m *mockPayments) CreatePaymentIntent(ctx context.Context, actor models.Identity, req service.CreatePaymentIntentRequest) (*service.PaymentIntentResult, error) {
	args := m.Called(ctx, actor, req)
	r, _ := args.Get(0).(*service.PaymentIntentResult)
	return r, args.Error(1)
}

func (m *mockPayments) ConfirmPayment(ctx context.Context, actor *models.Identity, intentID, orderID string) (*models.Order, error) {
	args := m.Called(ctx, actor, intentID, orderID)
	o, _ := args.Get(0).(*models.Order)
	return o, args.Error(1)
}

func (m *mockPayments) SavePaymentMethod(ctx context.Context, userID, paymentMethodID string) (*service.SavedPaymentMethod, error) {
	args := m.Called(ctx, userID, paymentMethodID)
	s, _ := args.Get(0).(*service.SavedPaymentMethod)
	return s, args.Error(1)
}

func (m *mockPayments) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	return m.Called(ctx, payload, signature).Error(0)
}

type mockConnect struct{ mock.Mock }

func (m *mockConnect) EnsureSellerAccount(ctx context.Context, req service.EnsureSellerAccountRequest) (*service.SellerAccount, error) {
	args := m.Called(ctx, req)
	a, _ := args.Get(0).(*service.SellerAccount)
	return a, args.Error(1)
}

type mockNotifications struct{ mock.Mock }

func (m *mockNotifications) GetPreferences(ctx context.Context, actor models.Identity) (map[string]bool, error) {
	args := m.Called(ctx, actor)
	p, _ := args.Get(0).(map[string]bool)
	return p, args.Error(1)
}

func (m *mockNotifications) UpdatePreferences(ctx context.Context, actor models.Identity, flags map[string]bool) (map[string]bool, error) {
	args := m.Called(ctx, actor, flags)
	p, _ := args.Get(0).(map[string]bool)
	return p, args.Error(1)
}

func (m *mockNotifications) ListNotifications(ctx context.Context, actor models.Identity, unreadOnly bool, limit int) ([]models.Notification, error) {
	args := m.Called(ctx, actor, unreadOnly, limit)
	l, _ := args.Get(0).([]models.Notification)
	return l, args.Error(1)
}

func (m *mockNotifications) MarkRead(ctx context.Context, actor models.Identity, notificationID string) error {
	return m.Called(ctx, actor, notificationID).Error(0)
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	router        *gin.Engine
	orders        *mockOrders
	payments      *mockPayments
	connect       *mockConnect
	notifications *mockNotifications
}

func newTestServer(t *testing.T, limiter *RateLimiter, checks map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ts := &testServer{
		router:        gin.New(),
		orders:        &mockOrders{},
		payments:      &mockPayments{},
		connect:       &mockConnect{},
		notifications: &mockNotifications{},
	}
	NewHandler(Dependencies{
		Orders:        ts.orders,
		Payments:      ts.payments,
		Connect:       ts.connect,
		Notifications: ts.notifications,
		Auth:          NewAuthenticator(testSecret),
		Limiter:       limiter,
		Checks:        checks,
	}).SetupRoutes(ts.router)
	return ts
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	ts.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

var buyer = models.Identity{UserID: "buyer-1", Email: "b@example.com", AccountType: models.AccountTypeBuyer}

func buyerToken(t *testing.T) string {
	return signToken(t, jwt.MapClaims{"sub": buyer.UserID, "email": buyer.Email, "account_type": buyer.AccountType})
}

func TestHealthAndReadiness(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	ts := newTestServer(t, nil, map[string]Pinger{"postgres": ok})
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", "", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/ready", "", nil).Code)

	ts = newTestServer(t, nil, map[string]Pinger{"postgres": ok, "redis": down})
	w := ts.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	failed := decodeBody(t, w)["failed"].(map[string]interface{})
	assert.Contains(t, failed, "redis")
	assert.NotContains(t, failed, "postgres")
}

func orderBody(items ...gin.H) gin.H {
	addr := gin.H{"line1": "1 Main St", "city": "Springfield", "postalCode": "12345", "country": "US"}
	return gin.H{
		"items":           items,
		"shippingAddress": addr,
		"billingAddress":  addr,
		"paymentMethod":   models.PaymentMethodProcessorCard,
	}
}

func TestCreateOrder(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	details := &service.OrderDetails{Order: &models.Order{ID: "order-1", BuyerID: buyer.UserID}}

	ts.orders.On("CreateOrder", mock.Anything, buyer, mock.MatchedBy(func(r *service.CreateOrderRequest) bool {
		return len(r.Items) == 1 && r.IdempotencyKey == "key-1"
	})).Return(details, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/orders", buyerToken(t), orderBody(gin.H{"productId": "p1", "quantity": 2}),
		"Idempotency-Key", "key-1")

	assert.Equal(t, http.StatusCreated, w.Code)
	ts.orders.AssertExpectations(t)
}

func TestCreateOrder_InvalidBody(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/orders", buyerToken(t), gin.H{"items": []gin.H{}})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid request body", decodeBody(t, w)["error"])
	ts.orders.AssertNotCalled(t, "CreateOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateOrder_PartialFailureCarriesCounts(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.orders.On("CreateOrder", mock.Anything, buyer, mock.Anything).
		Return(nil, &apperror.PartialOrderFailure{OrderID: "order-1", Persisted: 1, Expected: 3, Err: errors.New("insert failed")})

	w := ts.do(t, http.MethodPost, "/api/v1/orders", buyerToken(t), orderBody(gin.H{"productId": "p1", "quantity": 1}))

	body := decodeBody(t, w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "order-1", body["orderId"])
	assert.EqualValues(t, 1, body["persistedItems"])
	assert.EqualValues(t, 3, body["expectedItems"])
	assert.NotContains(t, body["error"], "insert failed")
}

func TestGetOrder_MapsErrorKinds(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.orders.On("GetOrder", mock.Anything, buyer, "missing").Return(nil, apperror.NotFound("order not found"))
	ts.orders.On("GetOrder", mock.Anything, buyer, "other").Return(nil, apperror.Forbidden("not your order"))

	w := ts.do(t, http.MethodGet, "/api/v1/orders/missing", buyerToken(t), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "order not found", decodeBody(t, w)["error"])

	assert.Equal(t, http.StatusForbidden, ts.do(t, http.MethodGet, "/api/v1/orders/other", buyerToken(t), nil).Code)
}

func TestUpdateOrderStatus(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.orders.On("UpdateOrderStatus", mock.Anything, buyer, "order-1", "cancelled").
		Return(&models.Order{ID: "order-1", Status: "cancelled"}, nil)

	w := ts.do(t, http.MethodPatch, "/api/v1/orders/order-1/status", buyerToken(t), gin.H{"status": "cancelled"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decodeBody(t, w)["status"])
}

func TestCompleteOrderItems(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	cart := []service.OrderItemRequest{{ProductID: "p1", Quantity: 2}}
	ts.orders.On("CompleteOrderItems", mock.Anything, buyer, "order-1", cart).
		Return(&service.OrderDetails{Order: &models.Order{ID: "order-1"}}, nil)

	w := ts.do(t, http.MethodPost, "/api/v1/orders/order-1/items", buyerToken(t), gin.H{"items": cart})

	assert.Equal(t, http.StatusOK, w.Code)
	ts.orders.AssertExpectations(t)
}

func TestCreatePaymentIntent_PassesIdempotencyKey(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.payments.On("CreatePaymentIntent", mock.Anything, buyer, mock.MatchedBy(func(r service.CreatePaymentIntentRequest) bool {
		return r.Amount.Equal(decimal.RequireFromString("25.50")) && r.SellerID == "seller-1" && r.IdempotencyKey == "idem-1"
	})).Return(&service.PaymentIntentResult{ClientSecret: "pi_1_secret", PaymentIntentID: "pi_1"}, nil)

	w := ts.do(t, http.MethodPost, "/create-payment-intent", buyerToken(t),
		[]byte(`{"amount": 25.50, "sellerId": "seller-1"}`), "Idempotency-Key", "idem-1")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "pi_1_secret", body["clientSecret"])
	assert.Equal(t, "pi_1", body["paymentIntentId"])
}

func TestCreatePaymentIntent_ProcessorFailureIsRetryable(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.payments.On("CreatePaymentIntent", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, apperror.External("payment processor unavailable", true, errors.New("timeout")))

	w := ts.do(t, http.MethodPost, "/create-payment-intent", buyerToken(t), gin.H{"amount": 10})

	body := decodeBody(t, w)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, true, body["retryable"])
	assert.NotContains(t, body["error"], "timeout")
}

func TestConfirmPayment(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.payments.On("ConfirmPayment", mock.Anything, &buyer, "pi_1", "order-1").
		Return(&models.Order{ID: "order-1", PaymentStatus: "paid"}, nil)

	w := ts.do(t, http.MethodPost, "/confirm-payment", buyerToken(t), gin.H{"paymentIntentId": "pi_1", "orderId": "order-1"})

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["success"])
}

func TestConfirmPayment_NotSucceeded(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.payments.On("ConfirmPayment", mock.Anything, &buyer, "pi_1", "order-1").
		Return(nil, &apperror.PaymentNotSucceeded{Status: "requires_payment_method"})

	w := ts.do(t, http.MethodPost, "/confirm-payment", buyerToken(t), gin.H{"paymentIntentId": "pi_1", "orderId": "order-1"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Payment not successful (status: requires_payment_method)", decodeBody(t, w)["error"])
}

func TestSavePaymentMethod(t *testing.T) {
	t.Run("defaults to the caller", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.payments.On("SavePaymentMethod", mock.Anything, buyer.UserID, "pm_1").
			Return(&service.SavedPaymentMethod{CustomerID: "cus_1", PaymentMethodID: "pm_1"}, nil)

		w := ts.do(t, http.MethodPost, "/save-payment-method", buyerToken(t), gin.H{"paymentMethodId": "pm_1"})

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "cus_1", decodeBody(t, w)["customerId"])
	})

	t.Run("another user is forbidden", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)

		w := ts.do(t, http.MethodPost, "/save-payment-method", buyerToken(t), gin.H{"paymentMethodId": "pm_1", "userId": "someone-else"})

		assert.Equal(t, http.StatusForbidden, w.Code)
		ts.payments.AssertNotCalled(t, "SavePaymentMethod", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("admin may act for another user", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.payments.On("SavePaymentMethod", mock.Anything, "someone-else", "pm_1").
			Return(&service.SavedPaymentMethod{CustomerID: "cus_2"}, nil)
		token := signToken(t, jwt.MapClaims{"sub": "admin-1", "account_type": models.AccountTypeAdmin})

		w := ts.do(t, http.MethodPost, "/save-payment-method", token, gin.H{"paymentMethodId": "pm_1", "userId": "someone-else"})

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("partial save names the failed step", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.payments.On("SavePaymentMethod", mock.Anything, buyer.UserID, "pm_1").
			Return(nil, &apperror.PartialPaymentMethodSave{CustomerID: "cus_1", FailedStep: "set_default", Err: errors.New("boom")})

		w := ts.do(t, http.MethodPost, "/save-payment-method", buyerToken(t), gin.H{"paymentMethodId": "pm_1"})

		body := decodeBody(t, w)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, false, body["success"])
		assert.Equal(t, "set_default", body["failedStep"])
	})
}

func TestSetupStripeConnect(t *testing.T) {
	seller := signToken(t, jwt.MapClaims{"sub": "seller-1", "email": "s@example.com", "account_type": models.AccountTypeSeller})
	want := service.EnsureSellerAccountRequest{SellerID: "seller-1", Email: "s@example.com"}
	acct := &service.SellerAccount{AccountID: "acct_1", OnboardingURL: "https://connect.example/onboard", Created: true}

	t.Run("post", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.connect.On("EnsureSellerAccount", mock.Anything, want).Return(acct, nil)

		w := ts.do(t, http.MethodPost, "/setup-stripe-connect", seller, gin.H{"userId": "seller-1", "email": "s@example.com"})

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "acct_1", body["accountId"])
		assert.Equal(t, "https://connect.example/onboard", body["accountLink"])
	})

	t.Run("get reads the query", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.connect.On("EnsureSellerAccount", mock.Anything, want).Return(acct, nil)

		w := ts.do(t, http.MethodGet, "/setup-stripe-connect?userId=seller-1&email=s@example.com", seller, nil)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("for another seller", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)

		w := ts.do(t, http.MethodPost, "/setup-stripe-connect", seller, gin.H{"userId": "seller-2", "email": "s@example.com"})

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing email", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)

		w := ts.do(t, http.MethodPost, "/setup-stripe-connect", seller, gin.H{"userId": "seller-1"})

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestStripeWebhook(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	t.Run("accepted without a bearer token", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.payments.On("HandleWebhook", mock.Anything, payload, "t=1,v1=abc").Return(nil)

		w := ts.do(t, http.MethodPost, "/stripe-webhook", "", payload, "Stripe-Signature", "t=1,v1=abc")

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, true, decodeBody(t, w)["received"])
	})

	t.Run("bad signature", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.payments.On("HandleWebhook", mock.Anything, payload, "").Return(apperror.Validation("invalid webhook signature"))

		w := ts.do(t, http.MethodPost, "/stripe-webhook", "", payload)

		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("store failure asks for redelivery", func(t *testing.T) {
		ts := newTestServer(t, nil, nil)
		ts.payments.On("HandleWebhook", mock.Anything, payload, "sig").Return(apperror.Internal("mark paid", errors.New("db down")))

		w := ts.do(t, http.MethodPost, "/stripe-webhook", "", payload, "Stripe-Signature", "sig")

		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})
}

func TestNotificationRoutes(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	prefs := map[string]bool{models.CategoryNewReview: true}
	ts.notifications.On("GetPreferences", mock.Anything, buyer).Return(prefs, nil)
	ts.notifications.On("UpdatePreferences", mock.Anything, buyer, map[string]bool{models.CategoryNewReview: false}).
		Return(map[string]bool{models.CategoryNewReview: false}, nil)
	ts.notifications.On("ListNotifications", mock.Anything, buyer, true, 5).
		Return([]models.Notification{{ID: "n1", UserID: buyer.UserID}}, nil)
	ts.notifications.On("MarkRead", mock.Anything, buyer, "n1").Return(nil)
	token := buyerToken(t)

	w := ts.do(t, http.MethodGet, "/api/v1/notification-preferences", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)[models.CategoryNewReview])

	w = ts.do(t, http.MethodPut, "/api/v1/notification-preferences", token, gin.H{models.CategoryNewReview: false})
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/v1/notifications?unread=true&limit=5", token, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody(t, w)["notifications"], 1)

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/v1/notifications?limit=abc", token, nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/v1/notifications/n1/read", token, nil).Code)

	ts.notifications.AssertExpectations(t)
}

func TestRateLimitedRoutes(t *testing.T) {
	ts := newTestServer(t, NewRateLimiter(rate.Limit(0.001), 1), nil)
	ts.payments.On("ConfirmPayment", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(&models.Order{ID: "order-1"}, nil)
	token := buyerToken(t)
	body := gin.H{"paymentIntentId": "pi_1", "orderId": "order-1"}

	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/confirm-payment", token, body).Code)
	assert.Equal(t, http.StatusTooManyRequests, ts.do(t, http.MethodPost, "/confirm-payment", token, body).Code)

	// Order routes are not behind the limiter.
	ts.orders.On("GetOrder", mock.Anything, buyer, "order-1").Return(&service.OrderDetails{}, nil)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/v1/orders/order-1", token, nil).Code)
}
