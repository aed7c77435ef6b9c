package reservation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/andreasstove999/ecommerce-system/services/erp-reservation-service-go/internal/allocation"
)

const (
	DefaultDurationMinutes = 60
	MinDurationMinutes     = 1
	MaxDurationMinutes     = 1440
)

type LineInput struct {
	LineNumber      int                        `json:"lineNumber" validate:"min=0"`
	ItemCode        string                     `json:"itemCode" validate:"required,max=50"`
	Description     string                     `json:"description,omitempty" validate:"max=200"`
	WarehouseCode   string                     `json:"warehouseCode"`
	Quantity        decimal.Decimal            `json:"quantity"`
	UoMCode         string                     `json:"uomCode,omitempty"`
	UnitPrice       decimal.Decimal            `json:"unitPrice"`
	DiscountPercent decimal.Decimal            `json:"discountPercent"`
	TaxCode         string                     `json:"taxCode,omitempty"`
	Strategy        string                     `json:"strategy,omitempty" validate:"omitempty,oneof=FEFO FIFO Manual fefo fifo manual"`
	Batches         []allocation.BatchQuantity `json:"batches,omitempty"`
}

type ValidateRequest struct {
	Strategy     string      `json:"strategy,omitempty" validate:"omitempty,oneof=FEFO FIFO Manual fefo fifo manual"`
	Lines        []LineInput `json:"lines" validate:"required,min=1,dive"`
	IssuePreview bool        `json:"issuePreview"`
}

type CreateRequest struct {
	ExternalRef     string            `json:"externalRef" validate:"required,max=100"`
	SourceSystem    string            `json:"sourceSystem,omitempty" validate:"max=50"`
	DocumentType    DocumentType      `json:"documentType,omitempty" validate:"omitempty,oneof=Invoice SalesOrder Quotation"`
	CustomerCode    string            `json:"customerCode" validate:"required,max=50"`
	CustomerName    string            `json:"customerName,omitempty" validate:"max=200"`
	Currency        string            `json:"currency,omitempty" validate:"omitempty,len=3"`
	DurationMinutes int               `json:"durationMinutes,omitempty"`
	Strategy        string            `json:"strategy,omitempty" validate:"omitempty,oneof=FEFO FIFO Manual fefo fifo manual"`
	Lines           []LineInput       `json:"lines" validate:"required,min=1,dive"`
	PreviewToken    string            `json:"previewToken,omitempty"`
	CreatedBy       string            `json:"createdBy,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// ConfirmOptions override parts of the document posted to the ERP. A destination
// warehouse turns the document into an inventory transfer. There is no preview
// token: confirm posts the claims already held by the reservation and never
// allocates again.
type ConfirmOptions struct {
	ToWarehouseCode   string     `json:"toWarehouseCode,omitempty"`
	Priority          int        `json:"priority,omitempty" validate:"min=0,max=10"`
	Comments          string     `json:"comments,omitempty" validate:"max=254"`
	DocDate           *time.Time `json:"docDate,omitempty"`
	SkipFiscalization bool       `json:"skipFiscalization,omitempty"`
	MaxRetries        int        `json:"maxRetries,omitempty" validate:"min=0,max=10"`
}

// ClampMinutes applies the reservation duration policy. Zero means the default.
func ClampMinutes(m int) int {
	switch {
	case m == 0:
		return DefaultDurationMinutes
	case m < MinDurationMinutes:
		return MinDurationMinutes
	case m > MaxDurationMinutes:
		return MaxDurationMinutes
	default:
		return m
	}
}

func validationError(err error) *Error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
		}
		return newError(CodeValidation, "%s", strings.Join(msgs, "; "))
	}
	return newError(CodeValidation, "%s", err.Error())
}

// lineRequests turns caller lines into engine requests. A line strategy overrides
// the request strategy; with neither, the engine picks FEFO or Manual from the batches.
func lineRequests(strategy string, lines []LineInput) ([]allocation.LineRequest, error) {
	var def allocation.Strategy
	if strategy != "" {
		s, err := allocation.ParseStrategy(strategy)
		if err != nil {
			return nil, err
		}
		def = s
	}

	seen := make(map[int]bool, len(lines))
	out := make([]allocation.LineRequest, 0, len(lines))
	for i, l := range lines {
		n := l.LineNumber
		if n == 0 {
			n = i + 1
		}
		if seen[n] {
			return nil, fmt.Errorf("duplicate line number %d", n)
		}
		seen[n] = true

		if l.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("line %d: unit price must not be negative", n)
		}
		if l.DiscountPercent.IsNegative() || l.DiscountPercent.GreaterThan(decimal.NewFromInt(100)) {
			return nil, fmt.Errorf("line %d: discount percent must be between 0 and 100", n)
		}

		s := def
		if l.Strategy != "" {
			ls, err := allocation.ParseStrategy(l.Strategy)
			if err != nil {
				return nil, err
			}
			s = ls
		}
		out = append(out, allocation.LineRequest{
			LineNumber:    n,
			ItemCode:      l.ItemCode,
			WarehouseCode: l.WarehouseCode,
			Quantity:      l.Quantity,
			UoMCode:       l.UoMCode,
			Strategy:      s,
			Batches:       l.Batches,
		})
	}
	return out, nil
}

var hundred = decimal.NewFromInt(100)

// lineTotal is quantity x price less the discount, in the caller's unit of measure.
func lineTotal(l LineInput) decimal.Decimal {
	gross := l.Quantity.Mul(l.UnitPrice)
	return gross.Mul(hundred.Sub(l.DiscountPercent)).Div(hundred).Round(2)
}
