package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// DeliveryInvoice is the locally-owned ledger row for one settlement batch
// issued by a delivery partner. Rows are created the first time an invoice is
// observed on the remote list and are never deleted; summary fields are
// refreshed on re-observation and the status advances when the merchant
// confirms receipt.
type DeliveryInvoice struct {
	ID              int                   `gorm:"primary_key" json:"id"`
	BusinessId      string                `gorm:"uniqueIndex:idx_delivery_invoice_ext,priority:1;not null" json:"business_id"`
	Provider        string                `gorm:"uniqueIndex:idx_delivery_invoice_ext,priority:2;size:50;not null" json:"provider"`
	ExternalId      string                `gorm:"uniqueIndex:idx_delivery_invoice_ext,priority:3;size:128;not null" json:"external_id"`
	Amount          decimal.Decimal       `gorm:"type:decimal(20,4)" json:"amount"`
	OrderCount      int                   `json:"order_count"`
	Status          DeliveryInvoiceStatus `gorm:"size:30;not null;default:Pending" json:"status"`
	RemoteCreatedAt *time.Time            `json:"remote_created_at"`
	RemoteUpdatedAt *time.Time            `json:"remote_updated_at"`
	ReceivedAt      *time.Time            `json:"received_at"`
	ReceivedBy      string                `gorm:"size:100" json:"received_by"`
	CreatedAt       time.Time             `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time             `gorm:"autoUpdateTime" json:"updated_at"`

	// Stitched in by the store; not a gorm association (composite non-PK joins
	// are loaded with an explicit second query).
	Links []DeliveryInvoiceOrderLink `gorm:"-" json:"links,omitempty"`
}

// RecencyTime is the timestamp used for ranking and recency decisions:
// the remote last-modified time, falling back to the remote creation time.
func (inv DeliveryInvoice) RecencyTime() time.Time {
	if inv.RemoteUpdatedAt != nil {
		return *inv.RemoteUpdatedAt
	}
	if inv.RemoteCreatedAt != nil {
		return *inv.RemoteCreatedAt
	}
	return time.Time{}
}

// DeliveryInvoiceOrderLink joins one delivery invoice to one locally-owned
// sales order. At most one row per (business, provider, invoice, order);
// inserts of an existing pair are silent no-ops.
type DeliveryInvoiceOrderLink struct {
	ID                uint      `gorm:"primary_key" json:"id"`
	BusinessId        string    `gorm:"uniqueIndex:idx_delivery_invoice_link,priority:1;not null" json:"business_id"`
	Provider          string    `gorm:"uniqueIndex:idx_delivery_invoice_link,priority:2;size:50;not null" json:"provider"`
	InvoiceExternalId string    `gorm:"uniqueIndex:idx_delivery_invoice_link,priority:3;size:128;not null" json:"invoice_external_id"`
	LocalOrderId      int       `gorm:"uniqueIndex:idx_delivery_invoice_link,priority:4;not null" json:"local_order_id"`
	CreatedAt         time.Time `gorm:"autoCreateTime" json:"created_at"`
}
