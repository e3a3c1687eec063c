package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	invoicedomain "github.com/clearpointsec/billing/internal/invoice/domain"
	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/line"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/consts/pagesize"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

// RenderPDF produces the printable A4 invoice.
func (s *Service) RenderPDF(ctx context.Context, id snowflake.ID) ([]byte, error) {
	inv, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var items []invoicedomain.InvoiceItem
	if err := s.db.WithContext(ctx).Where("invoice_id = ?", inv.ID).Order("created_at ASC").Find(&items).Error; err != nil {
		return nil, err
	}

	cfg := config.NewBuilder().
		WithPageSize(pagesize.A4).
		WithLeftMargin(15).
		WithRightMargin(15).
		Build()

	m := maroto.New(cfg)

	m.AddRow(12,
		text.NewCol(8, "Invoice "+inv.InvoiceNumber, props.Text{
			Style: fontstyle.Bold,
			Size:  16,
		}),
		text.NewCol(4, inv.IssuedAt.Format("2006-01-02"), props.Text{
			Align: align.Right,
			Size:  10,
		}),
	)
	m.AddRow(8,
		text.NewCol(8, "Status: "+string(inv.Status), props.Text{Size: 9}),
		text.NewCol(4, "Customer: "+inv.UserID, props.Text{Align: align.Right, Size: 8}),
	)
	m.AddRow(4, line.NewCol(12))

	m.AddRow(8,
		text.NewCol(6, "Description", props.Text{Style: fontstyle.Bold, Size: 10}),
		text.NewCol(2, "Qty", props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right}),
		text.NewCol(2, "Unit", props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right}),
		text.NewCol(2, "Total", props.Text{Style: fontstyle.Bold, Size: 10, Align: align.Right}),
	)
	for _, item := range items {
		m.AddRow(7,
			text.NewCol(6, item.Description, props.Text{Size: 9}),
			text.NewCol(2, fmt.Sprintf("%.0f", item.Quantity), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%.2f", item.UnitPrice), props.Text{Size: 9, Align: align.Right}),
			text.NewCol(2, fmt.Sprintf("%.2f", item.Total), props.Text{Size: 9, Align: align.Right}),
		)
	}

	m.AddRow(4, line.NewCol(12))
	m.AddRow(10,
		col.New(8),
		text.NewCol(4, fmt.Sprintf("Total: %.2f %s", inv.Total, inv.Currency), props.Text{
			Style: fontstyle.Bold,
			Size:  12,
			Align: align.Right,
		}),
	)

	if inv.PaidAt != nil {
		m.AddRow(8, text.NewCol(12, "Paid on "+inv.PaidAt.Format("2006-01-02"), props.Text{Size: 9}))
	} else if inv.DueAt != nil {
		m.AddRow(8, text.NewCol(12, "Due by "+inv.DueAt.Format("2006-01-02"), props.Text{Size: 9}))
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return doc.GetBytes(), nil
}
