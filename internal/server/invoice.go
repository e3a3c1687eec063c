package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
)

type convertQuoteRequest struct {
	QuoteID string `json:"quoteId"`
}

// @Summary      Convert Quote To Invoice
// @Description  Convert an accepted quote into a pending invoice with a payment link
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        request  body  convertQuoteRequest  true  "Convert Quote Request"
// @Success      200  {object}  map[string]any
// @Router       /admin/quotes/convert [post]
func (s *Server) ConvertQuote(c *gin.Context) {
	var req convertQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	quoteID, err := snowflake.ParseString(strings.TrimSpace(req.QuoteID))
	if err != nil {
		AbortWithError(c, newValidationError("quoteId", "invalid_quote_id", "invalid quote id"))
		return
	}

	result, err := s.invoiceSvc.ConvertQuote(c.Request.Context(), quoteID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	respondData(c, result)
}

// @Summary      Render Invoice PDF
// @Tags         invoices
// @Produce      application/pdf
// @Param        id  path  string  true  "Invoice ID"
// @Success      200  {file}  binary
// @Router       /invoices/{id}/pdf [get]
func (s *Server) RenderInvoicePDF(c *gin.Context) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid invoice id"))
		return
	}

	pdf, err := s.invoiceSvc.RenderPDF(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Data(200, "application/pdf", pdf)
}
