package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clearpointsec/billing/internal/config"
	"go.uber.org/zap"
)

var ErrSendFailed = errors.New("notification_send_failed")

type InvoiceEmail struct {
	To            string
	UserID        string
	InvoiceNumber string
	Amount        float64
	Currency      string
	PaymentLink   string
	NextPaymentAt *time.Time
}

type Sender interface {
	SendInvoiceEmail(ctx context.Context, msg InvoiceEmail) error
}

// httpSender delivers mail through the transactional mail relay's JSON API.
type httpSender struct {
	apiURL string
	apiKey string
	from   string
	log    *zap.Logger
	client *http.Client
}

func NewSender(cfg config.Config, log *zap.Logger) Sender {
	if strings.TrimSpace(cfg.Mail.APIURL) == "" {
		return NopSender{}
	}
	return &httpSender{
		apiURL: strings.TrimRight(strings.TrimSpace(cfg.Mail.APIURL), "/"),
		apiKey: strings.TrimSpace(cfg.Mail.APIKey),
		from:   strings.TrimSpace(cfg.Mail.From),
		log:    log.Named("notification.mail"),
		client: &http.Client{Timeout: 12 * time.Second},
	}
}

func (s *httpSender) SendInvoiceEmail(ctx context.Context, msg InvoiceEmail) error {
	if strings.TrimSpace(msg.To) == "" {
		return fmt.Errorf("%w: missing recipient", ErrSendFailed)
	}

	subject := "Payment received"
	if msg.InvoiceNumber != "" {
		subject = "Invoice " + msg.InvoiceNumber
	}

	payload := map[string]any{
		"from":    s.from,
		"to":      []string{msg.To},
		"subject": subject,
		"html":    renderInvoiceHTML(msg),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", ErrSendFailed, resp.StatusCode)
	}

	s.log.Info("invoice email sent",
		zap.String("user_id", msg.UserID),
		zap.String("invoice_number", msg.InvoiceNumber))
	return nil
}

func renderInvoiceHTML(msg InvoiceEmail) string {
	var b strings.Builder
	b.WriteString("<h2>Thank you for your payment</h2>")
	if msg.InvoiceNumber != "" {
		fmt.Fprintf(&b, "<p>Invoice: <strong>%s</strong></p>", msg.InvoiceNumber)
	}
	fmt.Fprintf(&b, "<p>Amount: %.2f %s</p>", msg.Amount, msg.Currency)
	if msg.NextPaymentAt != nil {
		fmt.Fprintf(&b, "<p>Next payment date: %s</p>", msg.NextPaymentAt.Format("2006-01-02"))
	}
	if msg.PaymentLink != "" {
		fmt.Fprintf(&b, `<p><a href="%s">View payment page</a></p>`, msg.PaymentLink)
	}
	return b.String()
}

// NopSender is used when no mail relay is configured.
type NopSender struct{}

func (NopSender) SendInvoiceEmail(ctx context.Context, msg InvoiceEmail) error {
	return nil
}
