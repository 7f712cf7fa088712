package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SalesOrder is the subset of the order table this engine touches. The full
// order lifecycle (creation, fulfilment, payment) is owned by the storefront
// CRUD layer; reconciliation only resolves orders by the partner's id and
// stamps receipt state onto them.
type SalesOrder struct {
	ID                     int             `gorm:"primary_key" json:"id"`
	BusinessId             string          `gorm:"index;not null" json:"business_id"`
	OrderNumber            string          `gorm:"size:50" json:"order_number"`
	OrderTotal             decimal.Decimal `gorm:"type:decimal(20,4)" json:"order_total"`
	DeliveryPartnerOrderId string          `gorm:"index;size:128" json:"delivery_partner_order_id"`
	ReceiptReceived        bool            `gorm:"default:false" json:"receipt_received"`
	InvoiceExternalId      string          `gorm:"size:128" json:"invoice_external_id"`
	InvoiceReceivedAt      *time.Time      `json:"invoice_received_at"`
	ReceivedBy             string          `gorm:"size:100" json:"received_by"`
	CreatedAt              time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt              time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}
