package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"settlement-service/internal/apperror"
	"settlement-service/internal/models"
	"settlement-service/internal/service"
	"settlement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// OrderAPI is the order intake surface used by the handlers
type OrderAPI interface {
	CreateOrder(ctx context.Context, actor models.Identity, req *service.CreateOrderRequest) (*service.OrderDetails, error)
	CompleteOrderItems(ctx context.Context, actor models.Identity, orderID string, cart []service.OrderItemRequest) (*service.OrderDetails, error)
	GetOrder(ctx context.Context, actor models.Identity, orderID string) (*service.OrderDetails, error)
	UpdateOrderStatus(ctx context.Context, actor models.Identity, orderID, status string) (*models.Order, error)
}

// PaymentAPI is the payment settlement surface used by the handlers
type PaymentAPI interface {
	CreatePaymentIntent(ctx context.Context, actor models.Identity, req service.CreatePaymentIntentRequest) (*service.PaymentIntentResult, error)
	ConfirmPayment(ctx context.Context, actor *models.Identity, intentID, orderID string) (*models.Order, error)
	SavePaymentMethod(ctx context.Context, userID, paymentMethodID string) (*service.SavedPaymentMethod, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
}

// ConnectAPI provisions seller accounts
type ConnectAPI interface {
	EnsureSellerAccount(ctx context.Context, req service.EnsureSellerAccountRequest) (*service.SellerAccount, error)
}

// NotificationAPI exposes a user's notifications and preferences
type NotificationAPI interface {
	GetPreferences(ctx context.Context, actor models.Identity) (map[string]bool, error)
	UpdatePreferences(ctx context.Context, actor models.Identity, flags map[string]bool) (map[string]bool, error)
	ListNotifications(ctx context.Context, actor models.Identity, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkRead(ctx context.Context, actor models.Identity, notificationID string) error
}

// Pinger is a dependency checked by the readiness endpoint
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies wires the handlers to the services
type Dependencies struct {
	Orders        OrderAPI
	Payments      PaymentAPI
	Connect       ConnectAPI
	Notifications NotificationAPI
	Auth          *Authenticator
	Limiter       *RateLimiter
	Checks        map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	deps Dependencies
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(requestLogger(util.GetLogger()))

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Signed by the processor, not by the identity provider.
	router.POST("/stripe-webhook", h.stripeWebhook)

	authed := router.Group("/", h.deps.Auth.Middleware())
	payments := authed.Group("/")
	if h.deps.Limiter != nil {
		payments.Use(h.deps.Limiter.Middleware())
	}
	{
		payments.POST("/create-payment-intent", h.createPaymentIntent)
		payments.POST("/confirm-payment", h.confirmPayment)
		payments.POST("/save-payment-method", h.savePaymentMethod)
		payments.POST("/setup-stripe-connect", h.setupStripeConnect)
		payments.GET("/setup-stripe-connect", h.setupStripeConnect)
	}

	v1 := authed.Group("/api/v1")
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.PATCH("/orders/:id/status", h.updateOrderStatus)
		v1.POST("/orders/:id/items", h.completeOrderItems)

		v1.GET("/notification-preferences", h.getPreferences)
		v1.PUT("/notification-preferences", h.updatePreferences)
		v1.GET("/notifications", h.listNotifications)
		v1.POST("/notifications/:id/read", h.markNotificationRead)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.deps.Checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not_ready",
			"failed": failed,
			"time":   time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// createPaymentIntent handles intent creation for checkout
func (h *Handler) createPaymentIntent(c *gin.Context) {
	var req service.CreatePaymentIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	req.IdempotencyKey = c.GetHeader("Idempotency-Key")

	res, err := h.deps.Payments.CreatePaymentIntent(c.Request.Context(), identityFrom(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type confirmPaymentRequest struct {
	PaymentIntentID string `json:"paymentIntentId" binding:"required"`
	OrderID         string `json:"orderId" binding:"required"`
}

// confirmPayment records a succeeded intent on the order
func (h *Handler) confirmPayment(c *gin.Context) {
	var req confirmPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	actor := identityFrom(c)
	order, err := h.deps.Payments.ConfirmPayment(c.Request.Context(), &actor, req.PaymentIntentID, req.OrderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order": order})
}

type savePaymentMethodRequest struct {
	PaymentMethodID string `json:"paymentMethodId" binding:"required"`
	UserID          string `json:"userId"`
}

// savePaymentMethod attaches a payment method to the caller's customer
func (h *Handler) savePaymentMethod(c *gin.Context) {
	var req savePaymentMethodRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	userID, ok := h.actingFor(c, req.UserID)
	if !ok {
		return
	}

	saved, err := h.deps.Payments.SavePaymentMethod(c.Request.Context(), userID, req.PaymentMethodID)
	var partial *apperror.PartialPaymentMethodSave
	if errors.As(err, &partial) {
		c.JSON(http.StatusOK, gin.H{
			"success":    false,
			"customerId": partial.CustomerID,
			"failedStep": partial.FailedStep,
			"error":      "Payment method saved but could not be set as default",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "customerId": saved.CustomerID})
}

// setupStripeConnect returns the seller's account and a fresh onboarding link
func (h *Handler) setupStripeConnect(c *gin.Context) {
	var req service.EnsureSellerAccountRequest
	if err := c.ShouldBind(&req); err != nil {
		badRequest(c, err)
		return
	}

	if _, ok := h.actingFor(c, req.SellerID); !ok {
		return
	}

	acct, err := h.deps.Connect.EnsureSellerAccount(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":     true,
		"accountId":   acct.AccountID,
		"accountLink": acct.OnboardingURL,
		"created":     acct.Created,
	})
}

// stripeWebhook applies processor events. Non-2xx responses make the processor redeliver.
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := c.GetRawData()
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.deps.Payments.HandleWebhook(c.Request.Context(), payload, c.GetHeader("Stripe-Signature")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	resp, err := h.deps.Orders.CreateOrder(c.Request.Context(), identityFrom(c), &req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	resp, err := h.deps.Orders.GetOrder(c.Request.Context(), identityFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

type updateStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	order, err := h.deps.Orders.UpdateOrderStatus(c.Request.Context(), identityFrom(c), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

type completeItemsRequest struct {
	Items []service.OrderItemRequest `json:"items" binding:"required,min=1,dive"`
}

func (h *Handler) completeOrderItems(c *gin.Context) {
	var req completeItemsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	resp, err := h.deps.Orders.CompleteOrderItems(c.Request.Context(), identityFrom(c), c.Param("id"), req.Items)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getPreferences(c *gin.Context) {
	prefs, err := h.deps.Notifications.GetPreferences(c.Request.Context(), identityFrom(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *Handler) updatePreferences(c *gin.Context) {
	var flags map[string]bool
	if err := c.ShouldBindJSON(&flags); err != nil {
		badRequest(c, err)
		return
	}

	prefs, err := h.deps.Notifications.UpdatePreferences(c.Request.Context(), identityFrom(c), flags)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (h *Handler) listNotifications(c *gin.Context) {
	unread, _ := strconv.ParseBool(c.DefaultQuery("unread", "false"))
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
		return
	}

	list, err := h.deps.Notifications.ListNotifications(c.Request.Context(), identityFrom(c), unread, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	if err := h.deps.Notifications.MarkRead(c.Request.Context(), identityFrom(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// actingFor resolves the user a request acts on. Only admins may act for
// someone else; an empty body id means the caller.
func (h *Handler) actingFor(c *gin.Context, bodyUserID string) (string, bool) {
	actor := identityFrom(c)
	if bodyUserID == "" {
		return actor.UserID, true
	}
	if bodyUserID != actor.UserID && !actor.IsAdmin() {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only act on your own account"})
		return "", false
	}
	return bodyUserID, true
}
