package models

import "time"

const (
	SyncRunStatusQueued  = "queued"
	SyncRunStatusRunning = "running"
	SyncRunStatusSuccess = "success"
	SyncRunStatusFailed  = "failed"
	SyncRunStatusPartial = "partial"
	SyncRunStatusDropped = "dropped"
)

const (
	SyncTriggeredManual = "manual"
	SyncTriggeredPoll   = "poll"
	SyncTriggeredSystem = "system"
	SyncTriggeredRetry  = "retry"
)

// DeliverySyncRun is the bookkeeping row for one reconciliation cycle.
type DeliverySyncRun struct {
	ID                uint       `gorm:"primary_key" json:"id"`
	BusinessId        string     `gorm:"index;not null" json:"business_id"`
	ConnectionId      uint       `gorm:"index;not null" json:"connection_id"`
	Provider          string     `gorm:"index;size:50;not null" json:"provider"`
	Status            string     `gorm:"size:20;not null" json:"status"`
	TriggeredBy       string     `gorm:"size:20" json:"triggered_by"`
	InvoicesUpserted  int        `json:"invoices_upserted"`
	InvoicesProcessed int        `json:"invoices_processed"`
	InvoicesFailed    int        `json:"invoices_failed"`
	OrdersLinked      int        `json:"orders_linked"`
	ErrorCount        int        `json:"error_count"`
	StartedAt         *time.Time `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at"`
	DurationMs        int64      `json:"duration_ms"`
	CreatedAt         time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt         time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// DeliverySyncError records one per-item failure within a cycle. Item
// failures never abort the cycle; they are kept for the run-detail view.
type DeliverySyncError struct {
	ID         uint      `gorm:"primary_key" json:"id"`
	SyncRunId  uint      `gorm:"index;not null" json:"sync_run_id"`
	BusinessId string    `gorm:"index;not null" json:"business_id"`
	EntityType string    `gorm:"size:50" json:"entity_type"`
	ExternalId string    `gorm:"size:128" json:"external_id"`
	ErrorCode  string    `gorm:"size:64" json:"error_code"`
	Message    string    `gorm:"type:text" json:"message"`
	Retryable  bool      `gorm:"default:false" json:"retryable"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
}
