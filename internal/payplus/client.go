package payplus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/clearpointsec/billing/internal/config"
	"go.uber.org/zap"
)

type Client interface {
	RecurringStatus(ctx context.Context, recurringUID string) (*RecurringStatus, error)
	RecurringByCustomer(ctx context.Context, customerUID string) (*RecurringStatus, error)
	CancelRecurring(ctx context.Context, recurringUID string) error
	GeneratePaymentLink(ctx context.Context, req LinkRequest) (*LinkResponse, error)
}

type httpClient struct {
	apiKey         string
	secretKey      string
	baseURL        string
	paymentPageUID string
	log            *zap.Logger
	client         *http.Client
}

func NewClient(cfg config.Config, log *zap.Logger) Client {
	if cfg.PayPlus.UseMock {
		return &mockClient{log: log.Named("payplus.mock")}
	}
	return &httpClient{
		apiKey:         strings.TrimSpace(cfg.PayPlus.APIKey),
		secretKey:      strings.TrimSpace(cfg.PayPlus.SecretKey),
		baseURL:        strings.TrimRight(strings.TrimSpace(cfg.PayPlus.BaseURL), "/"),
		paymentPageUID: strings.TrimSpace(cfg.PayPlus.PaymentPageUID),
		log:            log.Named("payplus.client"),
		client:         &http.Client{Timeout: 12 * time.Second},
	}
}

type recurringViewResponse struct {
	Results struct {
		Status      string `json:"status"`
		Code        int    `json:"code"`
		Description string `json:"description"`
	} `json:"results"`
	Data []recurringViewItem `json:"data"`
}

type recurringViewItem struct {
	RecurringUID   string  `json:"recurring_uid"`
	CustomerUID    string  `json:"customer_uid"`
	Status         string  `json:"status"`
	Amount         float64 `json:"amount"`
	Currency       string  `json:"currency_code"`
	LastChargeDate string  `json:"last_charge_date"`
	NextChargeDate string  `json:"next_charge_date"`
	Transaction    struct {
		Number     string `json:"number"`
		UID        string `json:"uid"`
		StatusCode string `json:"status_code"`
		FourDigits string `json:"four_digits"`
		Brand      string `json:"brand_name"`
	} `json:"last_transaction"`
}

func (c *httpClient) RecurringStatus(ctx context.Context, recurringUID string) (*RecurringStatus, error) {
	recurringUID = strings.TrimSpace(recurringUID)
	if recurringUID == "" {
		return nil, ErrRecurringNotFound
	}

	var out recurringViewResponse
	err := c.post(ctx, "/RecurringPayments/View", map[string]any{
		"recurring_uid": recurringUID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, ErrRecurringNotFound
	}
	return toRecurringStatus(out.Data[0]), nil
}

func (c *httpClient) RecurringByCustomer(ctx context.Context, customerUID string) (*RecurringStatus, error) {
	customerUID = strings.TrimSpace(customerUID)
	if customerUID == "" {
		return nil, ErrRecurringNotFound
	}

	var out recurringViewResponse
	err := c.post(ctx, "/RecurringPayments/ViewByCustomer", map[string]any{
		"customer_uid": customerUID,
	}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, ErrRecurringNotFound
	}

	// The gateway lists every recurring charge the customer ever had.
	// Prefer one that is still running.
	for _, item := range out.Data {
		if normalizeRecurringState(item.Status) == RecurringStateActive {
			return toRecurringStatus(item), nil
		}
	}
	return toRecurringStatus(out.Data[0]), nil
}

func (c *httpClient) CancelRecurring(ctx context.Context, recurringUID string) error {
	recurringUID = strings.TrimSpace(recurringUID)
	if recurringUID == "" {
		return ErrRecurringNotFound
	}

	var out recurringViewResponse
	return c.post(ctx, "/RecurringPayments/DeleteRecurring", map[string]any{
		"recurring_uid": recurringUID,
	}, &out)
}

type generateLinkResponse struct {
	Results struct {
		Status string `json:"status"`
		Code   int    `json:"code"`
	} `json:"results"`
	Data struct {
		PageRequestUID  string `json:"page_request_uid"`
		PaymentPageLink string `json:"payment_page_link"`
		QRCodeImage     string `json:"qr_code_image"`
	} `json:"data"`
}

func (c *httpClient) GeneratePaymentLink(ctx context.Context, req LinkRequest) (*LinkResponse, error) {
	payload := map[string]any{
		"payment_page_uid": c.paymentPageUID,
		"amount":           req.Amount,
		"currency_code":    strings.ToUpper(req.Currency),
		"description":      req.Description,
		"more_info":        req.MoreInfo,
		"charge_method":    1,
	}
	if req.CustomerUID != "" {
		payload["customer_uid"] = req.CustomerUID
	}
	if req.ChargeOnce {
		payload["charge_default"] = nil
	}

	var out generateLinkResponse
	if err := c.post(ctx, "/PaymentPages/generateLink", payload, &out); err != nil {
		return nil, err
	}
	if out.Data.PaymentPageLink == "" {
		return nil, ErrRequestRejected
	}
	return &LinkResponse{
		PageRequestUID: out.Data.PageRequestUID,
		PaymentLink:    out.Data.PaymentPageLink,
		QRCodeImage:    out.Data.QRCodeImage,
	}, nil
}

func (c *httpClient) post(ctx context.Context, path string, payload map[string]any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf(`{"api_key":"%s","secret_key":"%s"}`, c.apiKey, c.secretKey))

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d", ErrRequestRejected, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrGatewayUnavailable, err)
	}
	return nil
}

func toRecurringStatus(item recurringViewItem) *RecurringStatus {
	return &RecurringStatus{
		RecurringUID:       item.RecurringUID,
		CustomerUID:        item.CustomerUID,
		State:              normalizeRecurringState(item.Status),
		RawState:           item.Status,
		Amount:             item.Amount,
		Currency:           item.Currency,
		LastChargeAt:       parseGatewayTime(item.LastChargeDate),
		NextChargeAt:       parseGatewayTime(item.NextChargeDate),
		LastTransactionID:  item.Transaction.Number,
		LastTransactionUID: item.Transaction.UID,
		LastStatusCode:     item.Transaction.StatusCode,
		FourDigits:         item.Transaction.FourDigits,
		Brand:              item.Transaction.Brand,
	}
}

// mockClient fakes a healthy gateway for local development.
type mockClient struct {
	log *zap.Logger
}

func (m *mockClient) RecurringStatus(ctx context.Context, recurringUID string) (*RecurringStatus, error) {
	m.log.Debug("mock recurring status", zap.String("recurring_uid", recurringUID))
	next := time.Now().UTC().AddDate(0, 1, 0)
	return &RecurringStatus{
		RecurringUID: recurringUID,
		State:        RecurringStateActive,
		RawState:     "active",
		NextChargeAt: &next,
	}, nil
}

func (m *mockClient) RecurringByCustomer(ctx context.Context, customerUID string) (*RecurringStatus, error) {
	next := time.Now().UTC().AddDate(0, 1, 0)
	return &RecurringStatus{
		CustomerUID:  customerUID,
		RecurringUID: "mock-recurring-" + customerUID,
		State:        RecurringStateActive,
		RawState:     "active",
		NextChargeAt: &next,
	}, nil
}

func (m *mockClient) CancelRecurring(ctx context.Context, recurringUID string) error {
	m.log.Debug("mock cancel recurring", zap.String("recurring_uid", recurringUID))
	return nil
}

func (m *mockClient) GeneratePaymentLink(ctx context.Context, req LinkRequest) (*LinkResponse, error) {
	return &LinkResponse{
		PageRequestUID: "mock-page-request",
		PaymentLink:    "https://payments.example.test/mock-link",
	}, nil
}
