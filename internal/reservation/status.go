package reservation

import "fmt"

type Status string

const (
	StatusPending   Status = "Pending"
	StatusConfirmed Status = "Confirmed"
	StatusCancelled Status = "Cancelled"
	StatusExpired   Status = "Expired"
	StatusFailed    Status = "Failed"
)

// Every state other than Pending is terminal.
var transitions = map[Status][]Status{
	StatusPending: {StatusConfirmed, StatusCancelled, StatusExpired, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s != StatusPending
}

type DocumentType string

const (
	DocumentInvoice    DocumentType = "Invoice"
	DocumentSalesOrder DocumentType = "SalesOrder"
	DocumentQuotation  DocumentType = "Quotation"
)

func ParseDocumentType(s string) (DocumentType, error) {
	switch DocumentType(s) {
	case "":
		return DocumentInvoice, nil
	case DocumentInvoice, DocumentSalesOrder, DocumentQuotation:
		return DocumentType(s), nil
	default:
		return "", fmt.Errorf("unknown document type %q", s)
	}
}
