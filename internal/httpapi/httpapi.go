package httpapi

import (
	"encoding/json"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"distribuidora/backend/internal/domain"
	"distribuidora/backend/internal/logger"
	"distribuidora/backend/internal/pricing"
	"distribuidora/backend/internal/service"
	"distribuidora/backend/internal/store"
)

const idempotencyHeader = "Idempotency-Key"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, loginPerMinute int) *API {
	if strings.TrimSpace(allowedOrigin) == "" {
		allowedOrigin = "http://127.0.0.1:3000"
	}

	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(loginPerMinute),
	}
}

// SweepLimiters drops login buckets for clients that went quiet.
func (a *API) SweepLimiters(now time.Time) int {
	return a.loginLimiter.Cleanup(now)
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestIDMiddleware)
	r.Use(logger.LoggingMiddleware)
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Get("/products", a.requireAuth(a.handleListProducts))
		r.Post("/products", a.requireAuth(a.handleUpsertProduct, domain.RoleAdmin))
		r.Patch("/products/{id}/archive", a.requireAuth(a.handleArchiveProduct, domain.RoleAdmin))

		r.Get("/customers", a.requireAuth(a.handleListCustomers))
		r.Post("/customers", a.requireAuth(a.handleUpsertCustomer, domain.RoleAdmin))
		r.Get("/customers/{id}", a.requireAuth(a.handleGetCustomer))

		r.Post("/quotes", a.requireAuth(a.handleQuote))

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handlePlaceOrder))
			r.Get("/", a.requireAuth(a.handleListOrders))
			r.Get("/{id}", a.requireAuth(a.handleGetOrder))
			r.Patch("/{id}/status", a.requireAuth(a.handleOrderStatus))
			r.Post("/{id}/archive", a.requireAuth(a.handleArchiveOrder, domain.RoleAdmin))
			r.Get("/{id}/share-link", a.requireAuth(a.handleShareLink))
		})

		r.Route("/carts", func(r chi.Router) {
			r.Post("/", a.requireAuth(a.handleCreateCart))
			r.Get("/{id}", a.requireAuth(a.handleGetCart))
			r.Delete("/{id}", a.requireAuth(a.handleDiscardCart))
			r.Post("/{id}/lines", a.requireAuth(a.handleAddCartLine))
			r.Delete("/{id}/lines/{lineID}", a.requireAuth(a.handleRemoveCartLine))
			r.Put("/{id}/customer", a.requireAuth(a.handleCartCustomer))
			r.Post("/{id}/checkout", a.requireAuth(a.handleCheckoutCart))
		})

		r.Get("/reports/low-stock", a.requireAuth(a.handleLowStock))

		r.Get("/users/operators", a.requireAuth(a.handleListOperators, domain.RoleAdmin))
		r.Post("/users/operators", a.requireAuth(a.handleCreateOperator, domain.RoleAdmin))
	})

	return r
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, r, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInactiveAccount) {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	products, err := a.service.ListProducts(r.Context(), includeArchived)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, products)
}

func (a *API) handleUpsertProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.UpsertProduct(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleArchiveProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ArchiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	product, err := a.service.SetProductArchived(r.Context(), chi.URLParam(r, "id"), req.Archived)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := a.service.ListCustomers(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customers)
}

func (a *API) handleGetCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := a.service.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (a *API) handleUpsertCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CustomerUpsertRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	customer, err := a.service.UpsertCustomer(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, customer)
}

func (a *API) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req domain.QuoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	quote, err := a.service.Quote(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.PlaceOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	req.SubmissionKey = strings.TrimSpace(r.Header.Get(idempotencyHeader))

	resp, err := a.service.PlaceOrder(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOrderResponse(w, resp)
}

func (a *API) handleListOrders(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	includeArchived, _ := strconv.ParseBool(query.Get("include_archived"))
	orders, err := a.service.ListOrders(r.Context(), domain.OrderFilter{
		CustomerID:      strings.TrimSpace(query.Get("customer_id")),
		Status:          domain.OrderStatus(strings.TrimSpace(query.Get("status"))),
		IncludeArchived: includeArchived,
		Limit:           parsePositiveLimit(query.Get("limit"), 50, 500),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

func (a *API) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.GetOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.OrderStatusUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	order, err := a.service.UpdateOrderStatus(r.Context(), chi.URLParam(r, "id"), req.Status)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleArchiveOrder(w http.ResponseWriter, r *http.Request) {
	order, err := a.service.ArchiveOrder(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) handleShareLink(w http.ResponseWriter, r *http.Request) {
	link, err := a.service.ShareLink(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, link)
}

func (a *API) handleCreateCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.CreateCart(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

func (a *API) handleGetCart(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetCart(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleDiscardCart(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DiscardCart(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAddCartLine(w http.ResponseWriter, r *http.Request) {
	var req domain.CartLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.AddCartLine(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleRemoveCartLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveCartLine(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "lineID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCartCustomer(w http.ResponseWriter, r *http.Request) {
	var req domain.CartCustomerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	view, err := a.service.SelectCartCustomer(r.Context(), chi.URLParam(r, "id"), req.CustomerID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCheckoutCart(w http.ResponseWriter, r *http.Request) {
	var req domain.CartCheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CheckoutCart(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeOrderResponse(w, resp)
}

func (a *API) handleLowStock(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.service.LowStock(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) handleListOperators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.auth.ListOperators(r.Context()))
}

func (a *API) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req domain.OperatorCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateOperator(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+idempotencyHeader)
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// writeOrderResponse answers 201 for a fresh order and 200 when an earlier
// submission is being replayed.
func writeOrderResponse(w http.ResponseWriter, resp domain.PlaceOrderResponse) {
	status := http.StatusCreated
	if resp.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, store.ErrInvalidRecord):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrSubmissionPending),
		errors.Is(err, store.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var rejection *pricing.Rejection
	if errors.As(err, &rejection) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":  rejection.Error(),
			"reason": rejection.Reason,
			"detail": rejection.Detail,
		})
		return
	}

	var commitErr *service.CommitError
	if errors.As(err, &commitErr) {
		// The order was not applied; the client may resubmit.
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":     commitErr.Error(),
			"retryable": true,
		})
		return
	}

	writeError(w, r, statusFor(err), err)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	// 5xx bodies stay generic; the cause goes to the log.
	msg := err.Error()
	if status >= 500 {
		logger.FromCtx(r.Context()).Error("request failed",
			zap.String("layer", "http"),
			zap.Int("status", status),
			zap.Error(err),
		)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
