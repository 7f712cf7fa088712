package deliverysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
)

// PartnerAPI is the remote side of reconciliation: the three calls the
// partner's merchant API offers. Implementations are thin and synchronous;
// retry and pacing policy belongs to the Worker.
type PartnerAPI interface {
	ListInvoices(ctx context.Context) ([]RemoteInvoice, error)
	ListInvoiceOrders(ctx context.Context, externalId string) (*RemoteInvoiceDetail, error)
	ConfirmReceipt(ctx context.Context, externalId string) error
}

// ClientFactory builds a PartnerAPI for one connection's credential.
type ClientFactory func(token string) (PartnerAPI, error)

type partnerClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewPartnerClient returns the SwiftShip HTTP implementation of PartnerAPI.
func NewPartnerClient(token string) (PartnerAPI, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("swiftship token is empty")
	}
	baseURL := strings.TrimSpace(os.Getenv("SWIFTSHIP_API_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://api.swiftship.dev"
	}
	return &partnerClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type wireInvoice struct {
	ID         string      `json:"id"`
	Amount     json.Number `json:"amount"`
	OrderCount int         `json:"order_count"`
	Status     string      `json:"status"`
	CreatedAt  string      `json:"created_at"`
	UpdatedAt  string      `json:"updated_at"`
}

type wireOrder struct {
	ID          string      `json:"id"`
	OrderNumber string      `json:"order_number"`
	Amount      json.Number `json:"amount"`
}

type wireInvoiceList struct {
	Data  []wireInvoice `json:"data"`
	Items []wireInvoice `json:"items"`
}

type wireInvoiceDetail struct {
	Invoice wireInvoice `json:"invoice"`
	Orders  []wireOrder `json:"orders"`
}

func (c *partnerClient) ListInvoices(ctx context.Context) ([]RemoteInvoice, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/merchant/invoices")
	if err != nil {
		return nil, err
	}

	var parsed wireInvoiceList
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode invoice list: %w", err)}
	}
	items := parsed.Data
	if len(items) == 0 {
		items = parsed.Items
	}

	out := make([]RemoteInvoice, 0, len(items))
	for _, item := range items {
		if strings.TrimSpace(item.ID) == "" {
			continue
		}
		out = append(out, item.toRemote())
	}
	return out, nil
}

func (c *partnerClient) ListInvoiceOrders(ctx context.Context, externalId string) (*RemoteInvoiceDetail, error) {
	body, err := c.do(ctx, http.MethodGet, "/v1/merchant/invoices/"+externalId+"/orders")
	if err != nil {
		return nil, err
	}

	var parsed wireInvoiceDetail
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &TransientError{Err: fmt.Errorf("decode invoice orders: %w", err)}
	}

	detail := &RemoteInvoiceDetail{Invoice: parsed.Invoice.toRemote()}
	if detail.Invoice.ExternalId == "" {
		detail.Invoice.ExternalId = externalId
	}
	for _, o := range parsed.Orders {
		if strings.TrimSpace(o.ID) == "" {
			continue
		}
		detail.Orders = append(detail.Orders, RemoteOrderRef{
			Id:          strings.TrimSpace(o.ID),
			OrderNumber: strings.TrimSpace(o.OrderNumber),
			Amount:      decimalFromNumber(o.Amount),
		})
	}
	return detail, nil
}

func (c *partnerClient) ConfirmReceipt(ctx context.Context, externalId string) error {
	// The partner treats a repeated confirmation as a no-op, so this is safe
	// to call again after a lost response.
	_, err := c.do(ctx, http.MethodPost, "/v1/merchant/invoices/"+externalId+"/confirm-receipt")
	return err
}

func (c *partnerClient) do(ctx context.Context, method, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitError{RetryAfter: retryAfterHint(resp)}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &TransientError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("swiftship api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return body, nil
}

func retryAfterHint(resp *http.Response) time.Duration {
	raw := strings.TrimSpace(resp.Header.Get("Retry-After"))
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func (w wireInvoice) toRemote() RemoteInvoice {
	return RemoteInvoice{
		ExternalId: strings.TrimSpace(w.ID),
		Amount:     decimalFromNumber(w.Amount),
		OrderCount: w.OrderCount,
		Status:     mapRemoteStatus(w.Status),
		CreatedAt:  parseTimePtr(w.CreatedAt),
		UpdatedAt:  parseTimePtr(w.UpdatedAt),
	}
}

// mapRemoteStatus collapses the partner's status vocabulary onto ours: only
// "received by merchant" matters, everything else is Pending.
func mapRemoteStatus(status string) models.DeliveryInvoiceStatus {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "RECEIVED", "RECEIVED_BY_MERCHANT", "RECEIVEDBYMERCHANT":
		return models.DeliveryInvoiceStatusReceived
	default:
		return models.DeliveryInvoiceStatusPending
	}
}

func decimalFromNumber(num json.Number) decimal.Decimal {
	if num.String() == "" {
		return decimal.Zero
	}
	if d, err := decimal.NewFromString(num.String()); err == nil {
		return d
	}
	return decimal.Zero
}

func parseTimePtr(value string) *time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return &t
	}
	return nil
}
