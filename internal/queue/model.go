package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindInvoice  Kind = "invoice"
	KindTransfer Kind = "transfer"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindInvoice, KindTransfer:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown queue %q", s)
	}
}

type Status string

const (
	StatusPending            Status = "Pending"
	StatusProcessing         Status = "Processing"
	StatusCompleted          Status = "Completed"
	StatusPartiallyCompleted Status = "PartiallyCompleted"
	StatusFailed             Status = "Failed"
	StatusRequiresReview     Status = "RequiresReview"
	StatusCancelled          Status = "Cancelled"
)

var transitions = map[Status][]Status{
	StatusPending:        {StatusProcessing, StatusCancelled},
	StatusProcessing:     {StatusCompleted, StatusPartiallyCompleted, StatusPending, StatusRequiresReview, StatusFailed},
	StatusRequiresReview: {StatusPending, StatusCancelled},
	StatusFailed:         {StatusPending, StatusCancelled},
}

// CanTransition reports whether kind's state machine allows from -> to.
// PartiallyCompleted exists only for invoices (posted, fiscal receipt missing).
func CanTransition(kind Kind, from, to Status) bool {
	if to == StatusPartiallyCompleted && kind != KindInvoice {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Claimable reports whether a worker may pick the item up at now.
func (it *Item) Claimable(now time.Time) bool {
	return it.Status == StatusPending && (it.NextRetryAt == nil || !it.NextRetryAt.After(now))
}

var (
	ErrNotFound           = errors.New("queue item not found")
	ErrDuplicateReference = errors.New("queue item with this external reference already exists")
	ErrEmpty              = errors.New("queue empty")
	ErrStatusChanged      = errors.New("queue item status changed")
	ErrIllegalTransition  = errors.New("illegal queue status transition")
)

const DefaultMaxRetries = 3

const staleLeaseError = "processing lease expired"

type Item struct {
	ID                  string          `json:"id"`
	Kind                Kind            `json:"kind"`
	ExternalRef         string          `json:"externalRef"`
	ReservationID       string          `json:"reservationId,omitempty"`
	Payload             json.RawMessage `json:"payload"`
	Status              Status          `json:"status"`
	RetryCount          int             `json:"retryCount"`
	MaxRetries          int             `json:"maxRetries"`
	LastError           string          `json:"lastError,omitempty"`
	ERPDocEntry         *int64          `json:"erpDocEntry,omitempty"`
	ERPDocNum           *int64          `json:"erpDocNum,omitempty"`
	FiscalRequired      bool            `json:"fiscalRequired"`
	FiscalDeviceNo      string          `json:"fiscalDeviceNo,omitempty"`
	FiscalReceiptNo     string          `json:"fiscalReceiptNo,omitempty"`
	FiscalError         string          `json:"fiscalError,omitempty"`
	CreatedAt           time.Time       `json:"createdAt"`
	ProcessingStartedAt *time.Time      `json:"processingStartedAt,omitempty"`
	ProcessedAt         *time.Time      `json:"processedAt,omitempty"`
	NextRetryAt         *time.Time      `json:"nextRetryAt,omitempty"`
	SourceSystem        string          `json:"sourceSystem,omitempty"`
	Priority            int             `json:"priority"`
	TotalAmount         decimal.Decimal `json:"totalAmount"`
	Currency            string          `json:"currency,omitempty"`
}

func (it *Item) clone() *Item {
	cp := *it
	cp.Payload = append(json.RawMessage(nil), it.Payload...)
	cp.ERPDocEntry = copyInt(it.ERPDocEntry)
	cp.ERPDocNum = copyInt(it.ERPDocNum)
	cp.ProcessingStartedAt = copyTime(it.ProcessingStartedAt)
	cp.ProcessedAt = copyTime(it.ProcessedAt)
	cp.NextRetryAt = copyTime(it.NextRetryAt)
	return &cp
}

func copyInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

func copyTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	x := *v
	return &x
}

// Completion is what a successful post writes back.
type Completion struct {
	Status          Status
	DocEntry        int64
	DocNum          int64
	FiscalDeviceNo  string
	FiscalReceiptNo string
	FiscalError     string
	ProcessedAt     time.Time
}

const PayloadVersion = 1

// Payload is the versioned envelope stored in Item.Payload.
type Payload struct {
	Version  int             `json:"version"`
	Document json.RawMessage `json:"document"`
}

func EncodePayload(doc any) (json.RawMessage, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return json.Marshal(Payload{Version: PayloadVersion, Document: body})
}

func DecodePayload(raw json.RawMessage, dst any) error {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return fmt.Errorf("decode payload envelope: %w", err)
	}
	if p.Version != PayloadVersion {
		return fmt.Errorf("unsupported payload version %d", p.Version)
	}
	if err := json.Unmarshal(p.Document, dst); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}
