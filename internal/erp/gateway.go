package erp

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// DocumentRef identifies a document once the ERP has accepted it.
type DocumentRef struct {
	DocEntry int64 `json:"docEntry"`
	DocNum   int64 `json:"docNum"`
}

type FiscalReceipt struct {
	DeviceNo  string `json:"deviceNo"`
	ReceiptNo string `json:"receiptNo"`
}

type BatchLine struct {
	BatchNumber string          `json:"batchNumber"`
	Quantity    decimal.Decimal `json:"quantity"`
}

type DocumentLine struct {
	LineNum         int             `json:"lineNum"`
	ItemCode        string          `json:"itemCode"`
	Description     string          `json:"description,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UoMCode         string          `json:"uomCode,omitempty"`
	WarehouseCode   string          `json:"warehouseCode"`
	UnitPrice       decimal.Decimal `json:"unitPrice"`
	DiscountPercent decimal.Decimal `json:"discountPercent"`
	TaxCode         string          `json:"taxCode,omitempty"`
	Batches         []BatchLine     `json:"batches,omitempty"`
}

type InvoiceDocument struct {
	ExternalRef  string         `json:"externalRef"`
	DocumentType string         `json:"documentType"`
	CardCode     string         `json:"cardCode"`
	CardName     string         `json:"cardName,omitempty"`
	DocDate      time.Time      `json:"docDate"`
	Currency     string         `json:"currency,omitempty"`
	Comments     string         `json:"comments,omitempty"`
	Lines        []DocumentLine `json:"lines"`
}

type TransferDocument struct {
	ExternalRef   string         `json:"externalRef"`
	FromWarehouse string         `json:"fromWarehouse"`
	ToWarehouse   string         `json:"toWarehouse"`
	DocDate       time.Time      `json:"docDate"`
	Comments      string         `json:"comments,omitempty"`
	Lines         []DocumentLine `json:"lines"`
}

// Gateway is the remote ERP. Calls are synchronous; callers bound them with ctx.
type Gateway interface {
	PostInvoice(ctx context.Context, doc InvoiceDocument) (DocumentRef, error)
	PostTransfer(ctx context.Context, doc TransferDocument) (DocumentRef, error)
	Fiscalize(ctx context.Context, invoiceRef string) (FiscalReceipt, error)
}
