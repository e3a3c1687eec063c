package server

import (
	"errors"
	"net/http"

	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	paymentdomain "github.com/clearpointsec/billing/internal/payment/domain"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	userdomain "github.com/clearpointsec/billing/internal/user/domain"
	"github.com/gin-gonic/gin"
)

type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e apiError) Error() string { return e.Code }

func newValidationError(field, code, message string) apiError {
	return apiError{Status: http.StatusBadRequest, Code: code, Field: field, Message: message}
}

func invalidRequestError() apiError {
	return apiError{Status: http.StatusBadRequest, Code: "invalid_request", Message: "invalid request body"}
}

func AbortWithError(c *gin.Context, err error) {
	var apiErr apiError
	if errors.As(err, &apiErr) {
		c.AbortWithStatusJSON(apiErr.Status, gin.H{"error": apiErr})
		return
	}

	status := http.StatusInternalServerError
	code := "internal_error"

	switch {
	case errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, invoicedomain.ErrInvoiceNotFound),
		errors.Is(err, invoicedomain.ErrQuoteNotFound),
		errors.Is(err, userdomain.ErrUserNotFound):
		status = http.StatusNotFound
		code = err.Error()
	case errors.Is(err, subscriptiondomain.ErrInvalidUserID),
		errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, invoicedomain.ErrQuoteNotConvertible):
		status = http.StatusBadRequest
		code = err.Error()
	case errors.Is(err, invoicedomain.ErrQuoteAlreadyConverted),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition),
		errors.Is(err, subscriptiondomain.ErrSyncInProgress):
		status = http.StatusConflict
		code = err.Error()
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		status = http.StatusUnauthorized
		code = err.Error()
	}

	c.AbortWithStatusJSON(status, gin.H{"error": apiError{Code: code, Message: err.Error()}})
}
