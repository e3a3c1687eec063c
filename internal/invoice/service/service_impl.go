package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/clearpointsec/billing/internal/clock"
	"github.com/clearpointsec/billing/internal/config"
	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/clearpointsec/billing/internal/payplus"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const numberAllocationAttempts = 3

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Gateway payplus.Client
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     config.Config
	gateway payplus.Client
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("invoice.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		cfg:     p.Cfg,
		gateway: p.Gateway,
	}
}

func (s *Service) GetByID(ctx context.Context, id snowflake.ID) (*invoicedomain.Invoice, error) {
	var inv invoicedomain.Invoice
	err := s.db.WithContext(ctx).First(&inv, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, invoicedomain.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// CreateSubscriptionInvoice writes the paid invoice for a recurring charge.
// Number collisions restart the whole transaction, up to three attempts.
func (s *Service) CreateSubscriptionInvoice(ctx context.Context, req invoicedomain.CreateSubscriptionInvoiceRequest) (*invoicedomain.Invoice, error) {
	now := s.clock.Now(ctx)

	var created *invoicedomain.Invoice
	err := s.withNumberRetry(func() error {
		return s.db.Transaction(func(tx *gorm.DB) error {
			number, err := s.nextInvoiceNumber(ctx, tx, now.Year())
			if err != nil {
				return err
			}

			paidAt := req.PaidAt
			inv := &invoicedomain.Invoice{
				ID:            s.genID.Generate(),
				UserID:        req.UserID,
				InvoiceNumber: number,
				Status:        invoicedomain.InvoiceStatusPaid,
				Subtotal:      req.Amount,
				Total:         req.Amount,
				Currency:      req.Currency,
				Description:   req.Description,
				IssuedAt:      now,
				PaidAt:        &paidAt,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.WithContext(ctx).Create(inv).Error; err != nil {
				return err
			}

			item := &invoicedomain.InvoiceItem{
				ID:          s.genID.Generate(),
				InvoiceID:   inv.ID,
				Description: req.Description,
				Quantity:    1,
				UnitPrice:   req.Amount,
				Total:       req.Amount,
				CreatedAt:   now,
			}
			if err := tx.WithContext(ctx).Create(item).Error; err != nil {
				return err
			}

			created = inv
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("subscription invoice created",
		zap.String("invoice_id", created.ID.String()),
		zap.String("invoice_number", created.InvoiceNumber))
	return created, nil
}

// withNumberRetry reruns fn while it fails on the invoice number unique
// index. Each attempt is a fresh transaction since postgres aborts the one
// that hit the violation.
func (s *Service) withNumberRetry(fn func() error) error {
	var err error
	for attempt := 1; attempt <= numberAllocationAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isUniqueViolation(err) {
			return err
		}
		s.log.Warn("invoice number collision, retrying", zap.Int("attempt", attempt))
	}
	return fmt.Errorf("%w: %v", invoicedomain.ErrNumberAllocationFailed, err)
}

// nextInvoiceNumber allocates the next "YYYY-NNNN" number. Postgres owns the
// sequence through generate_invoice_number(); databases without the function
// fall back to scanning the latest issued number. The unique index is the
// real guarantee either way.
func (s *Service) nextInvoiceNumber(ctx context.Context, tx *gorm.DB, year int) (string, error) {
	var number string
	err := tx.WithContext(ctx).Raw("SELECT generate_invoice_number()").Scan(&number).Error
	if err == nil && number != "" {
		return number, nil
	}

	var last string
	err = tx.WithContext(ctx).Raw(
		"SELECT invoice_number FROM invoices WHERE invoice_number LIKE ? ORDER BY invoice_number DESC LIMIT 1",
		fmt.Sprintf("%d-%%", year),
	).Scan(&last).Error
	if err != nil {
		return "", err
	}

	seq := 1
	if last != "" {
		parts := strings.SplitN(last, "-", 2)
		if len(parts) == 2 {
			if n, err := strconv.Atoi(parts[1]); err == nil {
				seq = n + 1
			}
		}
	}
	return fmt.Sprintf("%d-%04d", year, seq), nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
