package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// @Summary      Ingest Recurring Webhook
// @Description  Receive a recurring payment notification from the gateway or the relay
// @Tags         webhooks
// @Accept       json
// @Produce      json
// @Success      200  {object}  map[string]any
// @Router       /webhooks/payplus/recurring [post]
func (s *Server) IngestRecurringWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.webhookSvc.IngestWebhook(c.Request.Context(), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	respondData(c, result)
}

// WebhookLiveness answers the gateway's endpoint availability check.
func (s *Server) WebhookLiveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
