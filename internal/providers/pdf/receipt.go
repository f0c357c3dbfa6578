package pdf

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/johnfercher/maroto/v2"
	"github.com/johnfercher/maroto/v2/pkg/components/col"
	"github.com/johnfercher/maroto/v2/pkg/components/text"
	"github.com/johnfercher/maroto/v2/pkg/config"
	"github.com/johnfercher/maroto/v2/pkg/consts/align"
	"github.com/johnfercher/maroto/v2/pkg/consts/fontstyle"
	"github.com/johnfercher/maroto/v2/pkg/props"
)

var ErrInvalidReceipt = errors.New("invalid_receipt")

// ReceiptData is a payment receipt with every amount already formatted.
type ReceiptData struct {
	ClinicName    string
	PatientName   string
	ReferenceCode string
	DatePaid      string
	Method        string
	PaymentType   string
	Status        string

	Amount          string
	AppliedAmount   string
	AvailableCredit string
	RefundedAmount  string

	Lines []ReceiptLine
	Notes string
}

type ReceiptLine struct {
	Description string
	Date        string
	Amount      string
}

func (p *PDFProvider) GenerateReceipt(ctx context.Context, receipt ReceiptData) (io.Reader, error) {
	if receipt.ReferenceCode == "" || receipt.Amount == "" {
		return nil, ErrInvalidReceipt
	}

	cfg := config.NewBuilder().
		WithPageNumber(props.PageNumber{
			Pattern: "Page {current} of {total}",
			Place:   props.RightBottom,
		}).
		Build()

	m := maroto.New(cfg)

	m.AddRow(20,
		text.NewCol(8, receipt.ClinicName, props.Text{
			Size:  18,
			Style: fontstyle.Bold,
			Align: align.Left,
		}),
		text.NewCol(4, "Payment receipt", props.Text{
			Size:  12,
			Style: fontstyle.Bold,
			Align: align.Right,
		}),
	)

	m.AddRow(25,
		col.New(6).Add(
			text.New("Reference: "+receipt.ReferenceCode, props.Text{Top: 0}),
			text.New("Date paid: "+receipt.DatePaid, props.Text{Top: 5}),
			text.New("Method: "+receipt.Method, props.Text{Top: 10}),
			text.New("Type: "+receipt.PaymentType, props.Text{Top: 15}),
		),
		col.New(6).Add(
			text.New("Patient", props.Text{Style: fontstyle.Bold, Align: align.Right}),
			text.New(receipt.PatientName, props.Text{Top: 5, Align: align.Right}),
			text.New("Status: "+receipt.Status, props.Text{Top: 10, Align: align.Right}),
		),
	)

	m.AddRow(15,
		text.NewCol(12, receipt.Amount+" received on "+receipt.DatePaid, props.Text{
			Size:  14,
			Style: fontstyle.Bold,
			Top:   5,
		}),
	)

	m.AddRow(10,
		text.NewCol(6, "Applied to", props.Text{Style: fontstyle.Bold, Size: 9}),
		text.NewCol(3, "Date", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
		text.NewCol(3, "Amount", props.Text{Style: fontstyle.Bold, Size: 9, Align: align.Right}),
	)
	if len(receipt.Lines) == 0 {
		m.AddRow(10,
			text.NewCol(12, "Held as credit on account", props.Text{Size: 9}),
		)
	}
	for _, line := range receipt.Lines {
		m.AddRow(10,
			text.NewCol(6, line.Description, props.Text{Size: 9}),
			text.NewCol(3, line.Date, props.Text{Size: 9, Align: align.Right}),
			text.NewCol(3, line.Amount, props.Text{Size: 9, Align: align.Right}),
		)
	}

	totals := []struct {
		label string
		value string
	}{
		{"Applied", receipt.AppliedAmount},
		{"Available credit", receipt.AvailableCredit},
		{"Refunded", receipt.RefundedAmount},
		{"Total", receipt.Amount},
	}
	for _, row := range totals {
		style := props.Text{Size: 9, Align: align.Right}
		if row.label == "Total" {
			style.Style = fontstyle.Bold
		}
		m.AddRow(8,
			col.New(6),
			text.NewCol(3, row.label, props.Text{Size: 9}),
			text.NewCol(3, row.value, style),
		)
	}

	if receipt.Notes != "" {
		m.AddRow(20,
			text.NewCol(12, receipt.Notes, props.Text{Size: 8, Top: 5}),
		)
	}

	doc, err := m.Generate()
	if err != nil {
		return nil, err
	}

	return bytes.NewReader(doc.GetBytes()), nil
}
