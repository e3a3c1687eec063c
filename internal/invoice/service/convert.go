package service

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/clearpointsec/billing/internal/payplus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ConvertQuote turns an accepted quote into a pending invoice with a payment
// link. The whole conversion is one transaction: a number collision retries
// it from scratch, a gateway refusal rolls everything back, and no
// half-converted state survives either way.
func (s *Service) ConvertQuote(ctx context.Context, quoteID snowflake.ID) (*invoicedomain.ConversionResult, error) {
	now := s.clock.Now(ctx)

	var result *invoicedomain.ConversionResult
	err := s.withNumberRetry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			var quote invoicedomain.Quote
			err := tx.WithContext(ctx).First(&quote, "id = ?", quoteID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return invoicedomain.ErrQuoteNotFound
			}
			if err != nil {
				return err
			}

			switch quote.Status {
			case invoicedomain.QuoteStatusConverted:
				return invoicedomain.ErrQuoteAlreadyConverted
			case invoicedomain.QuoteStatusAccepted, invoicedomain.QuoteStatusSent:
				// convertible
			default:
				return invoicedomain.ErrQuoteNotConvertible
			}

			number, err := s.nextInvoiceNumber(ctx, tx, now.Year())
			if err != nil {
				return err
			}

			due := now.AddDate(0, 0, 30)
			inv := &invoicedomain.Invoice{
				ID:            s.genID.Generate(),
				UserID:        quote.UserID,
				InvoiceNumber: number,
				Status:        invoicedomain.InvoiceStatusPending,
				SourceQuoteID: &quote.ID,
				Subtotal:      quote.Total,
				Total:         quote.Total,
				Currency:      quote.Currency,
				Description:   quote.Description,
				IssuedAt:      now,
				DueAt:         &due,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.WithContext(ctx).Create(inv).Error; err != nil {
				return err
			}

			var quoteItems []invoicedomain.QuoteItem
			if err := tx.WithContext(ctx).Where("quote_id = ?", quote.ID).Find(&quoteItems).Error; err != nil {
				return err
			}
			for _, qi := range quoteItems {
				item := &invoicedomain.InvoiceItem{
					ID:          s.genID.Generate(),
					InvoiceID:   inv.ID,
					Description: qi.Description,
					Quantity:    qi.Quantity,
					UnitPrice:   qi.UnitPrice,
					Total:       qi.Total,
					CreatedAt:   now,
				}
				if err := tx.WithContext(ctx).Create(item).Error; err != nil {
					return err
				}
			}

			link, err := s.paymentLinkFor(ctx, inv)
			if err != nil {
				return err
			}
			inv.PaymentLink = link
			if err := tx.WithContext(ctx).Model(inv).Update("payment_link", link).Error; err != nil {
				return err
			}

			quote.Status = invoicedomain.QuoteStatusConverted
			quote.UpdatedAt = now
			if err := tx.WithContext(ctx).Save(&quote).Error; err != nil {
				return err
			}

			result = &invoicedomain.ConversionResult{Invoice: inv, PaymentLink: link}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("quote converted",
		zap.String("quote_id", quoteID.String()),
		zap.String("invoice_id", result.Invoice.ID.String()),
		zap.String("invoice_number", result.Invoice.InvoiceNumber))
	return result, nil
}

// paymentLinkFor requests a one-time payment page for the invoice, reusing
// the customer's stored gateway handle when the user row has one.
func (s *Service) paymentLinkFor(ctx context.Context, inv *invoicedomain.Invoice) (string, error) {
	var customerUID string
	err := s.db.WithContext(ctx).
		Raw("SELECT customer_uid FROM users WHERE id = ?", inv.UserID).
		Scan(&customerUID).Error
	if err != nil {
		return "", err
	}

	resp, err := s.gateway.GeneratePaymentLink(ctx, payplus.LinkRequest{
		CustomerUID: customerUID,
		Amount:      inv.Total,
		Currency:    inv.Currency,
		Description: "Invoice " + inv.InvoiceNumber,
		MoreInfo:    inv.UserID + "|invoice|" + inv.ID.String(),
		ChargeOnce:  true,
	})
	if err != nil {
		return "", err
	}
	return resp.PaymentLink, nil
}
