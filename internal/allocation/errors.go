package allocation

import (
	"fmt"

	"github.com/shopspring/decimal"
)

type Code string

const (
	CodeInvalidQuantity           Code = "InvalidQuantity"
	CodeWarehouseRequired         Code = "WarehouseRequired"
	CodeItemNotFound              Code = "ItemNotFound"
	CodeItemNotBatchManaged       Code = "ItemNotBatchManaged"
	CodeUoMConversion             Code = "UoMConversionError"
	CodeBatchQuantityMismatch     Code = "BatchQuantityMismatch"
	CodeBatchNotFound             Code = "BatchNotFound"
	CodeBatchInactive             Code = "BatchInactive"
	CodeBatchExpired              Code = "BatchExpired"
	CodeInsufficientBatchQuantity Code = "InsufficientBatchQuantity"
	CodeInsufficientTotalStock    Code = "InsufficientTotalStock"
)

// LineError describes why a single line could not be allocated.
type LineError struct {
	LineNumber    int             `json:"lineNumber"`
	ItemCode      string          `json:"itemCode"`
	WarehouseCode string          `json:"warehouseCode"`
	BatchNumber   string          `json:"batchNumber,omitempty"`
	Code          Code            `json:"code"`
	Message       string          `json:"message"`
	Requested     decimal.Decimal `json:"requested"`
	Available     decimal.Decimal `json:"available"`
	Shortage      decimal.Decimal `json:"shortage"`
	Alternatives  []Alternative   `json:"alternatives,omitempty"`
}

func (e *LineError) Error() string {
	if e.BatchNumber != "" {
		return fmt.Sprintf("line %d (%s/%s batch %s): %s: %s", e.LineNumber, e.ItemCode, e.WarehouseCode, e.BatchNumber, e.Code, e.Message)
	}
	return fmt.Sprintf("line %d (%s/%s): %s: %s", e.LineNumber, e.ItemCode, e.WarehouseCode, e.Code, e.Message)
}

func lineError(req LineRequest, code Code, format string, args ...any) *LineError {
	return &LineError{
		LineNumber:    req.LineNumber,
		ItemCode:      req.ItemCode,
		WarehouseCode: req.WarehouseCode,
		Code:          code,
		Message:       fmt.Sprintf(format, args...),
		Requested:     req.Quantity,
	}
}
