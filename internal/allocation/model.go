package allocation

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Strategy string

const (
	StrategyFEFO   Strategy = "FEFO"
	StrategyFIFO   Strategy = "FIFO"
	StrategyManual Strategy = "Manual"
)

// ParseStrategy accepts the strategy names case-insensitively. Empty means FEFO.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "FEFO":
		return StrategyFEFO, nil
	case "FIFO":
		return StrategyFIFO, nil
	case "MANUAL":
		return StrategyManual, nil
	default:
		return "", fmt.Errorf("unknown allocation strategy %q", s)
	}
}

// Item is the master data the engine needs about a stock item.
type Item struct {
	ItemCode     string
	Description  string
	InventoryUoM string
	BatchManaged bool
	// UoMFactors maps a sales unit code to the number of inventory units it contains.
	UoMFactors map[string]decimal.Decimal
}

// ConversionFactor returns how many inventory units one uom unit holds.
func (it Item) ConversionFactor(uom string) (decimal.Decimal, bool) {
	if uom == "" || strings.EqualFold(uom, it.InventoryUoM) {
		return decimal.NewFromInt(1), true
	}
	for code, f := range it.UoMFactors {
		if strings.EqualFold(code, uom) && f.IsPositive() {
			return f, true
		}
	}
	return decimal.Zero, false
}

// Batch is one inventory batch as seen by the engine. Available is already net of
// every other active reservation.
type Batch struct {
	BatchNumber       string
	Available         decimal.Decimal
	ExpiryDate        *time.Time
	AdmissionDate     *time.Time
	ManufacturingDate *time.Time
	Active            bool
}

type StockKey struct {
	ItemCode      string
	WarehouseCode string
}

func (k StockKey) String() string {
	return k.ItemCode + "@" + k.WarehouseCode
}

type BatchQuantity struct {
	BatchNumber string          `json:"batchNumber"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type LineRequest struct {
	LineNumber    int
	ItemCode      string
	WarehouseCode string
	Quantity      decimal.Decimal
	UoMCode       string
	Strategy      Strategy
	// Batches are explicit quantities in inventory units, used by Manual mode.
	Batches []BatchQuantity
}

func (r LineRequest) Key() StockKey {
	return StockKey{ItemCode: r.ItemCode, WarehouseCode: r.WarehouseCode}
}

type Claim struct {
	BatchNumber     string          `json:"batchNumber"`
	Quantity        decimal.Decimal `json:"quantity"`
	AvailableBefore decimal.Decimal `json:"availableBefore"`
	AvailableAfter  decimal.Decimal `json:"availableAfter"`
	ExpiryDate      *time.Time      `json:"expiryDate,omitempty"`
	AdmissionDate   *time.Time      `json:"admissionDate,omitempty"`
	Order           int             `json:"order"`
}

type LineAllocation struct {
	LineNumber        int             `json:"lineNumber"`
	ItemCode          string          `json:"itemCode"`
	WarehouseCode     string          `json:"warehouseCode"`
	RequestedQuantity decimal.Decimal `json:"requestedQuantity"`
	RequestedUoM      string          `json:"requestedUom,omitempty"`
	ConversionFactor  decimal.Decimal `json:"conversionFactor"`
	Quantity          decimal.Decimal `json:"quantity"`
	Strategy          Strategy        `json:"strategy"`
	Claims            []Claim         `json:"claims"`
}

func (a LineAllocation) Key() StockKey {
	return StockKey{ItemCode: a.ItemCode, WarehouseCode: a.WarehouseCode}
}

type Alternative struct {
	BatchNumber   string          `json:"batchNumber"`
	Available     decimal.Decimal `json:"available"`
	ExpiryDate    *time.Time      `json:"expiryDate,omitempty"`
	AdmissionDate *time.Time      `json:"admissionDate,omitempty"`
	Recommended   bool            `json:"recommended"`
}

type LineResult struct {
	Allocation *LineAllocation `json:"allocation,omitempty"`
	Err        *LineError      `json:"error,omitempty"`
}

type Result struct {
	Valid bool         `json:"valid"`
	Lines []LineResult `json:"lines"`
}

func (r Result) Errors() []*LineError {
	var out []*LineError
	for _, l := range r.Lines {
		if l.Err != nil {
			out = append(out, l.Err)
		}
	}
	return out
}

func (r Result) Allocations() []LineAllocation {
	out := make([]LineAllocation, 0, len(r.Lines))
	for _, l := range r.Lines {
		if l.Allocation != nil {
			out = append(out, *l.Allocation)
		}
	}
	return out
}

// Snapshot is the stock picture a multi-line allocation runs against.
type Snapshot struct {
	Items   map[string]*Item
	Batches map[StockKey][]Batch
}
