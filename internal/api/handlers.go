package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/trademonitor/order-engine/internal/auth"
	"github.com/trademonitor/order-engine/internal/book"
	"github.com/trademonitor/order-engine/internal/engine"
	"github.com/trademonitor/order-engine/internal/models"

	"github.com/shopspring/decimal"
)

// ServiceName and Version identify the service in the health payload.
const (
	ServiceName = "order-matching-engine"
	Version     = "1.0.0"
)

// defaultTradeLimit applies when GET /trades has no limit parameter.
const defaultTradeLimit = 50

// Matcher is the engine surface the handlers use.
type Matcher interface {
	SubmitOrder(ctx context.Context, o models.Order) (models.Order, []models.Trade, error)
	OpenOrders() []models.Order
	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
	Depth(instrument string) int
}

// Handler contains dependencies for HTTP handlers
type Handler struct {
	Engine      Matcher
	AuthService *auth.AuthService

	startTime time.Time
}

// NewHandler creates a new handler
func NewHandler(eng Matcher, authService *auth.AuthService) *Handler {
	return &Handler{Engine: eng, AuthService: authService, startTime: time.Now()}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		// Add user_id to context
		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// SubmitOrder handles order placement and matching
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Side       models.Side     `json:"side"`
		Instrument string          `json:"instrument"`
		Price      decimal.Decimal `json:"price"`
		Quantity   int64           `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	order := models.Order{
		UserID:     userID,
		Side:       req.Side,
		Instrument: req.Instrument,
		Price:      req.Price,
		Quantity:   req.Quantity,
	}

	result, trades, err := h.Engine.SubmitOrder(r.Context(), order)
	if err != nil {
		if errors.Is(err, book.ErrInvalidOrder) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		http.Error(w, `{"error": "Failed to submit order"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"order":  result,
		"trades": trades,
	})
}

// GetOpenOrders retrieves all open orders across instruments
func (h *Handler) GetOpenOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.Engine.OpenOrders()
	if orders == nil {
		orders = []models.Order{}
	}
	json.NewEncoder(w).Encode(orders)
}

// GetRecentTrades retrieves the most recent trades, newest first
func (h *Handler) GetRecentTrades(w http.ResponseWriter, r *http.Request) {
	limit := defaultTradeLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, `{"error": "Invalid limit"}`, http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	trades, err := h.Engine.RecentTrades(r.Context(), limit)
	if err != nil {
		if errors.Is(err, engine.ErrInvalidArgument) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		http.Error(w, `{"error": "Failed to retrieve trades"}`, http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []models.Trade{}
	}
	json.NewEncoder(w).Encode(trades)
}

// GetDepth reports the number of active orders for one instrument
func (h *Handler) GetDepth(w http.ResponseWriter, r *http.Request) {
	instrument := r.URL.Query().Get("instrument")
	if instrument == "" {
		http.Error(w, `{"error": "Instrument required"}`, http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"instrument": instrument,
		"depth":      h.Engine.Depth(instrument),
	})
}

// writeError responds with a JSON error body, escaping the message
func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// Health reports liveness and uptime
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         "UP",
		"uptime_seconds": int64(time.Since(h.startTime).Seconds()),
		"service":        ServiceName,
		"version":        Version,
	})
}
