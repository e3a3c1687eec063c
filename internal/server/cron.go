package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// @Summary      Run Subscription Manager
// @Description  Trigger the daily subscription lifecycle run
// @Tags         cron
// @Produce      json
// @Param        Authorization  header  string  true  "Bearer cron secret"
// @Success      200  {object}  map[string]any
// @Router       /cron/subscription-manager [get]
func (s *Server) RunSubscriptionManager(c *gin.Context) {
	if !s.cronAuthorized(c.GetHeader("Authorization")) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": apiError{
			Code:    "unauthorized",
			Message: "missing or invalid cron secret",
		}})
		return
	}

	stats, err := s.scheduler.RunDaily(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, stats)
}

func (s *Server) cronAuthorized(header string) bool {
	secret := s.cfg.Cron.Secret
	if secret == "" {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
