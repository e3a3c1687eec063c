package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/config"
	"github.com/clearpointsec/billing/internal/notification"
	"github.com/clearpointsec/billing/internal/observability"
	paymentdomain "github.com/clearpointsec/billing/internal/payment/domain"
	"github.com/clearpointsec/billing/internal/payplus"
	subscriptionrepo "github.com/clearpointsec/billing/internal/subscription/repository"
	userdomain "github.com/clearpointsec/billing/internal/user/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	subscriptiondomain "github.com/clearpointsec/billing/internal/subscription/domain"
	"gorm.io/gorm"
)

const testUserID = "b3b0c9a0-0000-4000-8000-000000000001"

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now(context.Context) time.Time { return c.t }

type fakeInvoiceService struct {
	created []invoicedomain.CreateSubscriptionInvoiceRequest
	fail    bool
	node    *snowflake.Node
}

func (f *fakeInvoiceService) GetByID(context.Context, snowflake.ID) (*invoicedomain.Invoice, error) {
	return nil, invoicedomain.ErrInvoiceNotFound
}

func (f *fakeInvoiceService) CreateSubscriptionInvoice(_ context.Context, req invoicedomain.CreateSubscriptionInvoiceRequest) (*invoicedomain.Invoice, error) {
	if f.fail {
		return nil, fmt.Errorf("invoice backend down")
	}
	f.created = append(f.created, req)
	return &invoicedomain.Invoice{
		ID:            f.node.Generate(),
		UserID:        req.UserID,
		InvoiceNumber: fmt.Sprintf("2026-%04d", len(f.created)),
		Status:        invoicedomain.InvoiceStatusPaid,
	}, nil
}

func (f *fakeInvoiceService) ConvertQuote(context.Context, snowflake.ID) (*invoicedomain.ConversionResult, error) {
	return nil, invoicedomain.ErrQuoteNotFound
}

func (f *fakeInvoiceService) RenderPDF(context.Context, snowflake.ID) ([]byte, error) {
	return nil, invoicedomain.ErrInvoiceNotFound
}

type fakeSender struct {
	sent []notification.InvoiceEmail
	fail bool
}

func (f *fakeSender) SendInvoiceEmail(_ context.Context, msg notification.InvoiceEmail) error {
	if f.fail {
		return notification.ErrSendFailed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func newTestService(t *testing.T) (*Service, *gorm.DB, *fakeInvoiceService, *fakeSender) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&userdomain.User{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.Charge{},
		&paymentdomain.Payment{},
		&paymentdomain.EventRecord{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	cfg := config.Config{}
	cfg.PayPlus.UseMock = true
	cfg.Webhook.RelaySource = "zapier"
	cfg.Billing.MaxPaymentFailures = 3

	invSvc := &fakeInvoiceService{node: node}
	sender := &fakeSender{}

	svc := &Service{
		db:         db,
		log:        zap.NewNop(),
		genID:      node,
		clock:      fixedClock{t: testNow},
		cfg:        cfg,
		repo:       subscriptionrepo.Provide(),
		invoiceSvc: invSvc,
		notifier:   sender,
		metrics:    observability.NewMetrics(),
	}
	return svc, db, invSvc, sender
}

func seedSubscription(t *testing.T, db *gorm.DB, node *snowflake.Node, status subscriptiondomain.Status) *subscriptiondomain.Subscription {
	t.Helper()
	sub := &subscriptiondomain.Subscription{
		ID:           node.Generate(),
		UserID:       testUserID,
		Plan:         "pro",
		BillingCycle: subscriptiondomain.BillingCycleMonthly,
		Status:       status,
		RecurringUID: "rec-1",
		Amount:       99,
		Currency:     "ILS",
		CreatedAt:    testNow.Add(-30 * 24 * time.Hour),
		UpdatedAt:    testNow.Add(-30 * 24 * time.Hour),
	}
	require.NoError(t, db.Create(sub).Error)
	return sub
}

func seedUser(t *testing.T, db *gorm.DB) {
	t.Helper()
	require.NoError(t, db.Create(&userdomain.User{
		ID:        testUserID,
		Email:     "dana@example.com",
		CreatedAt: testNow,
		UpdatedAt: testNow,
	}).Error)
}

func successPayload(transactionID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"transaction_id": transactionID,
		"recurring_uid":  "rec-1",
		"customer_uid":   "cust-1",
		"amount":         99.0,
		"currency":       "ILS",
		"status_code":    "000",
		"more_info":      testUserID + "|pro|monthly",
	})
	return raw
}

func failurePayload(transactionID string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"transaction_id": transactionID,
		"recurring_uid":  "rec-1",
		"amount":         99.0,
		"status_code":    "002",
	})
	return raw
}

func TestIngestWebhookSuccessActivates(t *testing.T) {
	svc, db, invSvc, sender := newTestService(t)
	sub := seedSubscription(t, db, svc.genID, subscriptiondomain.StatusPendingFirstPayment)
	seedUser(t, db)

	result, err := svc.IngestWebhook(context.Background(), successPayload("tx-1"), http.Header{})
	require.NoError(t, err)
	require.Equal(t, "processed", result.Result)
	require.True(t, result.Succeeded)
	require.Empty(t, result.Warnings)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
	require.Equal(t, 0, got.PaymentFailures)
	require.NotNil(t, got.LastPaymentAt)
	require.Equal(t, testNow, got.LastPaymentAt.UTC())
	require.NotNil(t, got.NextPaymentAt)
	require.Equal(t, testNow.AddDate(0, 1, 0), got.NextPaymentAt.UTC())
	require.NotNil(t, got.LastVerificationAt)
	require.Equal(t, "cust-1", got.CustomerUID)

	require.Len(t, invSvc.created, 1)
	require.Len(t, sender.sent, 1)
	require.Equal(t, "dana@example.com", sender.sent[0].To)

	var payments int64
	require.NoError(t, db.Model(&paymentdomain.Payment{}).Count(&payments).Error)
	require.EqualValues(t, 1, payments)

	var event paymentdomain.EventRecord
	require.NoError(t, db.First(&event, "transaction_id = ?", "tx-1").Error)
	require.Equal(t, "processed", event.Result)
	require.Equal(t, "direct", event.Extractor)
}

func TestIngestWebhookReplayIsIdempotent(t *testing.T) {
	svc, db, invSvc, _ := newTestService(t)
	seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)
	seedUser(t, db)

	first, err := svc.IngestWebhook(context.Background(), successPayload("tx-replay"), http.Header{})
	require.NoError(t, err)
	require.Equal(t, "processed", first.Result)

	second, err := svc.IngestWebhook(context.Background(), successPayload("tx-replay"), http.Header{})
	require.NoError(t, err)
	require.Equal(t, "duplicate", second.Result)
	require.Equal(t, first.ChargeID, second.ChargeID)

	var charges int64
	require.NoError(t, db.Model(&subscriptiondomain.Charge{}).Count(&charges).Error)
	require.EqualValues(t, 1, charges)

	// The replay must not have re-run the settlement tail.
	require.Len(t, invSvc.created, 1)
}

func TestIngestWebhookFailureCountsUpToSuspension(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	sub := seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)

	for i, wantStatus := range []subscriptiondomain.Status{
		subscriptiondomain.StatusPaymentFailed,
		subscriptiondomain.StatusPaymentFailed,
		subscriptiondomain.StatusSuspended,
	} {
		result, err := svc.IngestWebhook(context.Background(),
			failurePayload(fmt.Sprintf("tx-fail-%d", i)), http.Header{})
		require.NoError(t, err)
		require.Equal(t, "processed", result.Result)
		require.False(t, result.Succeeded)

		var got subscriptiondomain.Subscription
		require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
		require.Equal(t, i+1, got.PaymentFailures)
		require.Equal(t, wantStatus, got.Status)
		if wantStatus == subscriptiondomain.StatusSuspended {
			require.NotNil(t, got.SuspendedAt)
			require.Equal(t, "payment_failures", got.SuspensionReason)
		}
	}
}

func TestIngestWebhookSuccessResetsFailures(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	sub := seedSubscription(t, db, svc.genID, subscriptiondomain.StatusPaymentFailed)
	sub.PaymentFailures = 2
	require.NoError(t, db.Save(sub).Error)
	seedUser(t, db)

	_, err := svc.IngestWebhook(context.Background(), successPayload("tx-recover"), http.Header{})
	require.NoError(t, err)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
	require.Equal(t, 0, got.PaymentFailures)
}

func TestIngestWebhookProvisionsMissingSubscription(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	seedUser(t, db)

	raw, _ := json.Marshal(map[string]any{
		"transaction_id": "tx-new",
		"recurring_uid":  "rec-new",
		"amount":         950.0,
		"currency":       "ILS",
		"status_code":    "000",
		"more_info":      testUserID + "|business|annual",
	})

	result, err := svc.IngestWebhook(context.Background(), raw, http.Header{})
	require.NoError(t, err)
	require.Equal(t, "processed", result.Result)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "user_id = ?", testUserID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
	require.Equal(t, "business", got.Plan)
	require.Equal(t, subscriptiondomain.BillingCycleAnnual, got.BillingCycle)
	require.NotNil(t, got.NextPaymentAt)
	require.Equal(t, testNow.AddDate(0, 12, 0), got.NextPaymentAt.UTC())
}

func TestIngestWebhookUnmatchedChargeIsNotFound(t *testing.T) {
	svc, db, _, _ := newTestService(t)

	result, err := svc.IngestWebhook(context.Background(), failurePayload("tx-orphan"), http.Header{})
	require.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
	require.Nil(t, result)

	var charges int64
	require.NoError(t, db.Model(&subscriptiondomain.Charge{}).Count(&charges).Error)
	require.EqualValues(t, 0, charges)

	// The delivery still leaves an audit row.
	var event paymentdomain.EventRecord
	require.NoError(t, db.First(&event, "transaction_id = ?", "tx-orphan").Error)
	require.Equal(t, "ignored", event.Result)
}

func TestIngestWebhookSuccessReactivatesCancelled(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	sub := seedSubscription(t, db, svc.genID, subscriptiondomain.StatusCancelled)
	cancelledAt := testNow.Add(-72 * time.Hour)
	require.NoError(t, db.Model(sub).Update("cancelled_at", cancelledAt).Error)
	seedUser(t, db)

	result, err := svc.IngestWebhook(context.Background(), successPayload("tx-revive"), http.Header{})
	require.NoError(t, err)
	require.Equal(t, "processed", result.Result)

	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
	require.Nil(t, got.CancelledAt)
	require.Equal(t, 0, got.PaymentFailures)
	require.NotNil(t, got.NextPaymentAt)
	require.Equal(t, testNow.AddDate(0, 1, 0), got.NextPaymentAt.UTC())
}

func TestIngestWebhookRejectsBadSignature(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	svc.cfg.PayPlus.UseMock = false
	svc.cfg.PayPlus.SecretKey = "topsecret"
	seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)

	payload := successPayload("tx-signed")
	headers := http.Header{}
	headers.Set("User-Agent", "PayPlus")
	headers.Set("Hash", "bogus")

	_, err := svc.IngestWebhook(context.Background(), payload, headers)
	require.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	var event paymentdomain.EventRecord
	require.NoError(t, db.First(&event, "transaction_id = ?", "tx-signed").Error)
	require.Equal(t, "rejected", event.Result)
}

func TestIngestWebhookAcceptsValidSignature(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	svc.cfg.PayPlus.UseMock = false
	svc.cfg.PayPlus.SecretKey = "topsecret"
	seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)
	seedUser(t, db)

	payload := successPayload("tx-signed-ok")
	headers := http.Header{}
	headers.Set("User-Agent", "PayPlus")
	headers.Set("Hash", payplus.Signature("topsecret", payload))

	result, err := svc.IngestWebhook(context.Background(), payload, headers)
	require.NoError(t, err)
	require.Equal(t, "processed", result.Result)
}

func TestIngestWebhookRelayBypassesSignature(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	svc.cfg.PayPlus.UseMock = false
	svc.cfg.PayPlus.SecretKey = "topsecret"
	seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)
	seedUser(t, db)

	inner, _ := json.Marshal(map[string]any{
		"transaction_id": "tx-relay",
		"recurring_uid":  "rec-1",
		"status_code":    "000",
		"amount":         99.0,
	})
	payload, _ := json.Marshal(map[string]any{
		"source": "zapier",
		"body":   string(inner),
	})

	headers := http.Header{}
	headers.Set("User-Agent", "Zapier/1.0")

	result, err := svc.IngestWebhook(context.Background(), payload, headers)
	require.NoError(t, err)
	require.Equal(t, "processed", result.Result)
}

func TestIngestWebhookInvoiceFailureIsWarning(t *testing.T) {
	svc, db, invSvc, _ := newTestService(t)
	sub := seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)
	seedUser(t, db)
	invSvc.fail = true

	result, err := svc.IngestWebhook(context.Background(), successPayload("tx-warn"), http.Header{})
	require.NoError(t, err)
	require.Equal(t, "processed", result.Result)
	require.Contains(t, result.Warnings, "invoice_creation_failed")

	// The charge itself still landed.
	var got subscriptiondomain.Subscription
	require.NoError(t, db.First(&got, "id = ?", sub.ID).Error)
	require.Equal(t, subscriptiondomain.StatusActive, got.Status)
}

func TestIngestWebhookMasksSensitiveFields(t *testing.T) {
	svc, db, _, _ := newTestService(t)
	seedSubscription(t, db, svc.genID, subscriptiondomain.StatusActive)

	raw, _ := json.Marshal(map[string]any{
		"transaction_id":   "tx-mask",
		"recurring_uid":    "rec-1",
		"status_code":      "002",
		"card_information": "4580000000000000",
		"customer": map[string]any{
			"identification_number": "123456789",
		},
	})

	_, err := svc.IngestWebhook(context.Background(), raw, http.Header{})
	require.NoError(t, err)

	var charge subscriptiondomain.Charge
	require.NoError(t, db.First(&charge, "transaction_id = ?", "tx-mask").Error)

	var stored map[string]any
	require.NoError(t, json.Unmarshal(charge.RawPayload, &stored))
	require.Equal(t, "***", stored["card_information"])
	require.Equal(t, "***", stored["customer"].(map[string]any)["identification_number"])
}

func TestIngestWebhookRejectsInvalidPayload(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.IngestWebhook(context.Background(), []byte("not json"), http.Header{})
	require.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}
