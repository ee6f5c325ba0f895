package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ariefcatur/go-storefront-orders/internal/inventory"
	"github.com/ariefcatur/go-storefront-orders/internal/orders"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// paymentFailedMessage is deliberately generic so gateway details never
// reach the buyer.
const paymentFailedMessage = "payment could not be verified"

type errorBody struct {
	Error     string `json:"error"`
	ProductID string `json:"product_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a service error onto a status code and the text shown to
// the caller.
func statusFor(err error) (int, errorBody) {
	var (
		ise *inventory.InsufficientStockError
		ve  validator.ValidationErrors
	)
	switch {
	case errors.As(err, &ise):
		return http.StatusConflict, errorBody{
			Error:     fmt.Sprintf("product %s does not have enough stock", ise.ProductID),
			ProductID: ise.ProductID,
		}
	case errors.As(err, &ve):
		return http.StatusBadRequest, errorBody{Error: ve.Error()}
	case errors.Is(err, orders.ErrProductNotFound):
		return http.StatusUnprocessableEntity, errorBody{Error: err.Error()}
	case errors.Is(err, orders.ErrInvalidRequest), errors.Is(err, orders.ErrInvalidDiscount):
		return http.StatusBadRequest, errorBody{Error: err.Error()}
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrUnknownGateway):
		return http.StatusNotFound, errorBody{Error: "not found"}
	case errors.Is(err, orders.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: "forbidden"}
	case errors.Is(err, orders.ErrAlreadyPaidCannotCancel):
		return http.StatusConflict, errorBody{Error: orders.ErrAlreadyPaidCannotCancel.Error()}
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, orders.ErrNotCOD):
		return http.StatusConflict, errorBody{Error: err.Error()}
	case errors.Is(err, orders.ErrConflict):
		return http.StatusConflict, errorBody{Error: "order was updated by another request, please reload"}
	case errors.Is(err, orders.ErrAmountMismatch), errors.Is(err, orders.ErrPaymentFailed):
		return http.StatusPaymentRequired, errorBody{Error: paymentFailedMessage}
	case errors.Is(err, orders.ErrInvalidSignature):
		return http.StatusBadRequest, errorBody{Error: paymentFailedMessage}
	}
	return http.StatusInternalServerError, errorBody{Error: "internal error"}
}

func (h *OrdersHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.Logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, code, body)
}
