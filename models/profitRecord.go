package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderProfitRecord tracks per-order profit settlement state. The
// reconciliation engine only ever advances Pending -> InvoiceReceived;
// Settled is terminal and is set by the accounting close, not here.
type OrderProfitRecord struct {
	ID         uint               `gorm:"primary_key" json:"id"`
	BusinessId string             `gorm:"index;not null" json:"business_id"`
	OrderId    int                `gorm:"uniqueIndex;not null" json:"order_id"`
	Revenue    decimal.Decimal    `gorm:"type:decimal(20,4)" json:"revenue"`
	Cost       decimal.Decimal    `gorm:"type:decimal(20,4)" json:"cost"`
	Status     ProfitRecordStatus `gorm:"size:30;not null;default:Pending" json:"status"`
	CreatedAt  time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
}
