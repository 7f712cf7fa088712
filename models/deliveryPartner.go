package models

import "time"

const (
	DeliveryProviderSwiftShip = "swiftship"
)

const (
	DeliveryPartnerStatusConnected    = "connected"
	DeliveryPartnerStatusDisconnected = "disconnected"
	DeliveryPartnerStatusError        = "error"
)

// DeliveryPartnerConnection is the durable record of a merchant's link to one
// delivery partner: which provider is active, the bearer credential supplied
// by the session subsystem, and sync bookkeeping timestamps. A business with
// no connected row (or a different active provider) runs in local-only mode.
type DeliveryPartnerConnection struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"uniqueIndex:idx_delivery_partner_conn,priority:1;not null" json:"business_id"`
	Provider          string     `gorm:"uniqueIndex:idx_delivery_partner_conn,priority:2;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	AuthType          string     `gorm:"size:20" json:"auth_type"`
	AuthSecretRef     string     `gorm:"type:text" json:"auth_secret_ref"`
	MerchantId        string     `gorm:"size:100" json:"merchant_id"`
	MerchantName      string     `gorm:"size:255" json:"merchant_name"`
	SettingsJSON      []byte     `gorm:"type:json" json:"settings"`
	LastSyncAt        *time.Time `json:"last_sync_at"`
	LastSuccessSyncAt *time.Time `json:"last_success_sync_at"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
