package deliverysync

import (
	"errors"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
)

// RemoteInvoice is one settlement batch as reported by the partner's ledger,
// already parsed off the wire.
type RemoteInvoice struct {
	ExternalId string
	Amount     decimal.Decimal
	OrderCount int
	Status     models.DeliveryInvoiceStatus
	CreatedAt  *time.Time
	UpdatedAt  *time.Time
}

// RemoteOrderRef is one delivered order inside a remote invoice. Id matches
// SalesOrder.DeliveryPartnerOrderId on our side.
type RemoteOrderRef struct {
	Id          string
	OrderNumber string
	Amount      decimal.Decimal
}

// RemoteInvoiceDetail is the order-level view of one remote invoice.
type RemoteInvoiceDetail struct {
	Invoice RemoteInvoice
	Orders  []RemoteOrderRef
}

// CycleReport is the aggregate outcome of one reconciliation cycle.
type CycleReport struct {
	BusinessId         string `json:"business_id"`
	Dropped            bool   `json:"dropped"`
	RemotePhaseSkipped bool   `json:"remote_phase_skipped"`
	InvoicesUpserted   int    `json:"invoices_upserted"`
	InvoicesProcessed  int    `json:"invoices_processed"`
	InvoicesFailed     int    `json:"invoices_failed"`
	OrdersLinked       int    `json:"orders_linked"`
	ErrorCount         int    `json:"error_count"`
}

// Notable reports whether the cycle did anything a user would want to hear
// about. An all-quiet cycle produces no notification.
func (r CycleReport) Notable() bool {
	return r.InvoicesUpserted > 0 || r.OrdersLinked > 0 || r.InvoicesFailed > 0 || r.ErrorCount > 0
}

// SettlementResult is the consolidated outcome of one receipt confirmation.
type SettlementResult struct {
	InvoiceExternalId     string   `json:"invoice_external_id"`
	UpdatedOrders         int      `json:"updated_orders"`
	MissingMappings       int      `json:"missing_mappings"`
	ProfitRecordsAdvanced int      `json:"profit_records_advanced"`
	Warnings              []string `json:"warnings,omitempty"`
}

// Stats is the facade aggregate, recomputed from local state on every call.
type Stats struct {
	TotalInvoices   int             `json:"total_invoices"`
	PendingInvoices int             `json:"pending_invoices"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TotalOrders     int             `json:"total_orders"`
}

// TimeWindow filters invoices by their recency time. The zero value is the
// "all" window.
type TimeWindow struct {
	From *time.Time
	To   *time.Time
}

func (w TimeWindow) Contains(t time.Time) bool {
	if w.From != nil && t.Before(*w.From) {
		return false
	}
	if w.To != nil && t.After(*w.To) {
		return false
	}
	return true
}

// ParseTimeWindow resolves a named window ("all", "today", "7d", "30d",
// "custom") plus optional RFC3339 bounds for the custom case.
func ParseTimeWindow(name, from, to string) (TimeWindow, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "all":
		return TimeWindow{}, nil
	case "today":
		now := time.Now()
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return TimeWindow{From: &start}, nil
	case "7d":
		start := time.Now().AddDate(0, 0, -7)
		return TimeWindow{From: &start}, nil
	case "30d":
		start := time.Now().AddDate(0, 0, -30)
		return TimeWindow{From: &start}, nil
	case "custom":
		var w TimeWindow
		if strings.TrimSpace(from) != "" {
			t, err := time.Parse(time.RFC3339, from)
			if err != nil {
				return TimeWindow{}, errors.New("invalid from date")
			}
			w.From = &t
		}
		if strings.TrimSpace(to) != "" {
			t, err := time.Parse(time.RFC3339, to)
			if err != nil {
				return TimeWindow{}, errors.New("invalid to date")
			}
			w.To = &t
		}
		return w, nil
	default:
		return TimeWindow{}, errors.New("unknown time window")
	}
}

type ConnectRequest struct {
	MerchantId   string `json:"merchantId" validate:"required"`
	MerchantName string `json:"merchantName"`
	Token        string `json:"token" validate:"required"`
}

type ConfirmReceiptRequest struct {
	ReceivedBy string `json:"receivedBy"`
}

type StatusResponse struct {
	Connection        ConnectionResponse `json:"connection"`
	LastSyncAt        *string            `json:"lastSyncAt"`
	LastSuccessSyncAt *string            `json:"lastSuccessSyncAt"`
}

type ConnectionResponse struct {
	Status       string `json:"status"`
	Provider     string `json:"provider"`
	MerchantId   string `json:"merchantId"`
	MerchantName string `json:"merchantName"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	ID                uint    `json:"id"`
	Status            string  `json:"status"`
	StartedAt         *string `json:"startedAt"`
	FinishedAt        *string `json:"finishedAt"`
	DurationMs        int64   `json:"durationMs"`
	InvoicesUpserted  int     `json:"invoicesUpserted"`
	InvoicesProcessed int     `json:"invoicesProcessed"`
	InvoicesFailed    int     `json:"invoicesFailed"`
	OrdersLinked      int     `json:"ordersLinked"`
	ErrorCount        int     `json:"errorCount"`
	TriggeredBy       string  `json:"triggeredBy"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Errors []SyncErrorResponse `json:"errors"`
}

type SyncErrorResponse struct {
	ID         uint   `json:"id"`
	EntityType string `json:"entityType"`
	ExternalId string `json:"externalId"`
	ErrorCode  string `json:"errorCode"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type PubSubPushEnvelope struct {
	Message struct {
		Data []byte `json:"data"`
		ID   string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type SyncPubSubPayload struct {
	RunId      uint   `json:"run_id"`
	BusinessId string `json:"business_id"`
}
