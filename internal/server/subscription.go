package server

import (
	"strings"

	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func userIDParam(c *gin.Context) (string, error) {
	raw := strings.TrimSpace(c.Param("userId"))
	if _, err := uuid.Parse(raw); err != nil {
		return "", newValidationError("userId", "invalid_user_id", "user id must be a UUID")
	}
	return raw, nil
}

// @Summary      Validate Subscription Access
// @Description  Decide whether the user currently has service access
// @Tags         subscriptions
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]any
// @Router       /user/{userId}/subscription/access [get]
func (s *Server) ValidateSubscriptionAccess(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.subSvc.ValidateAccess(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// @Summary      Get Subscription Status
// @Tags         subscriptions
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]any
// @Router       /user/{userId}/subscription/status [get]
func (s *Server) GetSubscriptionStatus(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subSvc.GetByUserID(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{
		"status":          sub.Status,
		"plan":            sub.Plan,
		"billing_cycle":   sub.BillingCycle,
		"next_payment_at": sub.NextPaymentAt,
		"last_payment_at": sub.LastPaymentAt,
	})
}

// @Summary      Sync Subscription
// @Description  Pull the gateway state for a user and reconcile local records
// @Tags         admin
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]any
// @Router       /admin/subscriptions/{userId}/sync [post]
func (s *Server) SyncSubscription(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	result, err := s.subSvc.SyncFromGateway(c.Request.Context(), userID, "manual")
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// @Summary      Verify Subscription
// @Description  Compare local state against the gateway without mutating anything
// @Tags         admin
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]any
// @Router       /admin/subscriptions/{userId}/verify [get]
func (s *Server) VerifySubscription(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	v, err := s.subSvc.Verify(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, v)
}

type verifyRequest struct {
	AutoFix bool `json:"autoFix"`
}

// @Summary      Verify And Fix Subscription
// @Description  Verify and optionally apply the safe recommendations
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        userId   path  string         true  "User ID"
// @Param        request  body  verifyRequest  true  "Verify Request"
// @Success      200  {object}  map[string]any
// @Router       /admin/subscriptions/{userId}/verify [post]
func (s *Server) VerifyAndFixSubscription(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	v, err := s.subSvc.VerifyAndFix(c.Request.Context(), userID, req.AutoFix)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, v)
}

// @Summary      Cancel Subscription
// @Tags         admin
// @Produce      json
// @Param        userId  path  string  true  "User ID"
// @Success      200  {object}  map[string]any
// @Router       /admin/subscriptions/{userId}/cancel [post]
func (s *Server) CancelSubscription(c *gin.Context) {
	userID, err := userIDParam(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	sub, err := s.subSvc.Cancel(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, gin.H{
		"subscription_id": sub.ID.String(),
		"status":          subscriptiondomain.StatusCancelled,
		"cancelled_at":    sub.CancelledAt,
	})
}
