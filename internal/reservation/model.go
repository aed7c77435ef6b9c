package reservation

import (
	"time"

	"github.com/shopspring/decimal"
)

// BatchClaim is the part of a line drawn from one batch. ExpiryDate is copied at
// allocation time so the audit trail survives later changes to the batch record.
type BatchClaim struct {
	ItemCode        string          `json:"itemCode"`
	BatchNumber     string          `json:"batchNumber"`
	WarehouseCode   string          `json:"warehouseCode"`
	Quantity        decimal.Decimal `json:"quantity"`
	ExpiryDate      *time.Time      `json:"expiryDate,omitempty"`
	AllocationOrder int             `json:"allocationOrder"`
}

type Line struct {
	LineNumber    int    `json:"lineNumber"`
	ItemCode      string `json:"itemCode"`
	Description   string `json:"description,omitempty"`
	WarehouseCode string `json:"warehouseCode"`
	// Quantity is in the item's inventory unit; RequestedQuantity is in UoMCode.
	Quantity          decimal.Decimal `json:"quantity"`
	RequestedQuantity decimal.Decimal `json:"requestedQuantity"`
	UoMCode           string          `json:"uomCode,omitempty"`
	UnitPrice         decimal.Decimal `json:"unitPrice"`
	DiscountPercent   decimal.Decimal `json:"discountPercent"`
	LineTotal         decimal.Decimal `json:"lineTotal"`
	TaxCode           string          `json:"taxCode,omitempty"`
	Claims            []BatchClaim    `json:"claims"`
}

type Reservation struct {
	ID                 string            `json:"id"`
	ExternalRef        string            `json:"externalRef"`
	SourceSystem       string            `json:"sourceSystem,omitempty"`
	DocumentType       DocumentType      `json:"documentType"`
	CustomerCode       string            `json:"customerCode"`
	CustomerName       string            `json:"customerName,omitempty"`
	TotalValue         decimal.Decimal   `json:"totalValue"`
	Currency           string            `json:"currency,omitempty"`
	Status             Status            `json:"status"`
	CreatedAt          time.Time         `json:"createdAt"`
	ExpiresAt          time.Time         `json:"expiresAt"`
	ConfirmRequestedAt *time.Time        `json:"confirmRequestedAt,omitempty"`
	ConfirmedAt        *time.Time        `json:"confirmedAt,omitempty"`
	ERPDocEntry        *int64            `json:"erpDocEntry,omitempty"`
	ERPDocNum          *int64            `json:"erpDocNum,omitempty"`
	CancelledAt        *time.Time        `json:"cancelledAt,omitempty"`
	CancellationReason string            `json:"cancellationReason,omitempty"`
	FailureReason      string            `json:"failureReason,omitempty"`
	RenewalCount       int               `json:"renewalCount"`
	LastRenewedAt      *time.Time        `json:"lastRenewedAt,omitempty"`
	CreatedBy          string            `json:"createdBy,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Lines              []Line            `json:"lines"`
}

// ExpiredAt reports whether the hold has lapsed at now, whether or not the reaper got to it yet.
func (r *Reservation) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

func (r *Reservation) Clone() *Reservation {
	cp := *r
	cp.ConfirmRequestedAt = copyTime(r.ConfirmRequestedAt)
	cp.ConfirmedAt = copyTime(r.ConfirmedAt)
	cp.CancelledAt = copyTime(r.CancelledAt)
	cp.LastRenewedAt = copyTime(r.LastRenewedAt)
	cp.ERPDocEntry = copyInt(r.ERPDocEntry)
	cp.ERPDocNum = copyInt(r.ERPDocNum)
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	cp.Lines = make([]Line, len(r.Lines))
	for i, l := range r.Lines {
		l.Claims = append([]BatchClaim(nil), l.Claims...)
		cp.Lines[i] = l
	}
	return &cp
}

// BatchAvailability is the diagnostic view of one batch: what the ERP says is
// there, what pending reservations hold, and what is left.
type BatchAvailability struct {
	BatchNumber string          `json:"batchNumber"`
	Physical    decimal.Decimal `json:"physical"`
	Claimed     decimal.Decimal `json:"claimed"`
	Available   decimal.Decimal `json:"available"`
	ExpiryDate  *time.Time      `json:"expiryDate,omitempty"`
	Active      bool            `json:"active"`
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyInt(n *int64) *int64 {
	if n == nil {
		return nil
	}
	v := *n
	return &v
}
