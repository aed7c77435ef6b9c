package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// Client talks to the ERP gateway service over HTTP. Every response carries a
// success flag and an opaque error string.
type Client struct {
	BaseURL *url.URL
	HTTP    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid erp gateway url %q: %w", baseURL, err)
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{BaseURL: u, HTTP: httpClient}, nil
}

type gatewayResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	DocEntry  int64  `json:"docEntry,omitempty"`
	DocNum    int64  `json:"docNum,omitempty"`
	DeviceNo  string `json:"deviceNo,omitempty"`
	ReceiptNo string `json:"receiptNo,omitempty"`
}

// RemoteError is a failure reported by the gateway itself rather than the transport.
type RemoteError struct {
	Operation string
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("erp %s: %s", e.Operation, e.Message)
}

func (c *Client) PostInvoice(ctx context.Context, doc InvoiceDocument) (DocumentRef, error) {
	res, err := c.post(ctx, "invoice", "/api/invoices", doc)
	if err != nil {
		return DocumentRef{}, err
	}
	return DocumentRef{DocEntry: res.DocEntry, DocNum: res.DocNum}, nil
}

func (c *Client) PostTransfer(ctx context.Context, doc TransferDocument) (DocumentRef, error) {
	res, err := c.post(ctx, "transfer", "/api/stock-transfers", doc)
	if err != nil {
		return DocumentRef{}, err
	}
	return DocumentRef{DocEntry: res.DocEntry, DocNum: res.DocNum}, nil
}

func (c *Client) Fiscalize(ctx context.Context, invoiceRef string) (FiscalReceipt, error) {
	res, err := c.post(ctx, "fiscalize", "/api/fiscal-receipts", map[string]string{"invoiceRef": invoiceRef})
	if err != nil {
		return FiscalReceipt{}, err
	}
	return FiscalReceipt{DeviceNo: res.DeviceNo, ReceiptNo: res.ReceiptNo}, nil
}

func (c *Client) post(ctx context.Context, op, path string, body any) (gatewayResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gatewayResponse{}, fmt.Errorf("marshal %s: %w", op, err)
	}

	u := c.BaseURL.ResolveReference(&url.URL{Path: path})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return gatewayResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return gatewayResponse{}, fmt.Errorf("erp %s: %w", op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gatewayResponse{}, fmt.Errorf("read %s response: %w", op, err)
	}

	var out gatewayResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return gatewayResponse{}, &RemoteError{Operation: op, Message: fmt.Sprintf("status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))}
	}
	if !out.Success {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return gatewayResponse{}, &RemoteError{Operation: op, Message: msg}
	}
	return out, nil
}
