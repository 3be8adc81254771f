package trigger

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/supportdesk/internal/api"
)

// SecretHeader carries the shared webhook secret.
const SecretHeader = "X-Trigger-Secret"

const maxOrderBodySize = 64 << 10

// Handler receives storefront order webhooks.
type Handler struct {
	trig   *Trigger
	secret []byte
}

// NewHandler creates the webhook handler.
func NewHandler(trig *Trigger, secret string) *Handler {
	return &Handler{trig: trig, secret: []byte(secret)}
}

// RegisterRoutes mounts the webhook under the current router.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Use(h.requireSecret)
	r.Post("/", h.Receive)
	r.Get("/{orderID}", h.Lookup)
}

func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(SecretHeader))
		if len(h.secret) == 0 || subtle.ConstantTimeCompare(got, h.secret) != 1 {
			api.Error(w, http.StatusUnauthorized, "unauthenticated", "invalid trigger secret")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Receive handles POST /api/hooks/orders.
func (h *Handler) Receive(w http.ResponseWriter, r *http.Request) {
	var o Order
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxOrderBodySize))
	if err := dec.Decode(&o); err != nil {
		api.Error(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid order payload")
		return
	}

	res, err := h.trig.Handle(r.Context(), o)
	switch {
	case err == nil:
		status := http.StatusOK
		if res.Created {
			status = http.StatusCreated
		}
		api.JSON(w, status, res)
	case errors.Is(err, ErrNotQualifying):
		api.JSON(w, http.StatusAccepted, map[string]any{"orderId": o.OrderID, "skipped": true, "reason": "status_not_qualifying"})
	case errors.Is(err, ErrInProgress):
		api.Error(w, http.StatusConflict, "order_in_progress", "order is being processed")
	default:
		status, code := api.StatusFor(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Order webhook failed", "order_id", o.OrderID, "error", err)
		}
		api.Error(w, status, code, "order could not be processed")
	}
}

// Lookup handles GET /api/hooks/orders/{orderID}.
func (h *Handler) Lookup(w http.ResponseWriter, r *http.Request) {
	orderID, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		api.Error(w, http.StatusBadRequest, api.CodeInvalidInput, "invalid order id")
		return
	}
	link, err := h.trig.Lookup(r.Context(), orderID)
	if err != nil {
		status, code := api.StatusFor(err)
		api.Error(w, status, code, "no chat for this order")
		return
	}
	api.JSON(w, http.StatusOK, link)
}
