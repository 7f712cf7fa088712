package models

import "errors"

type UserRole string

const (
	UserRoleAdmin  UserRole = "A"
	UserRoleOwner  UserRole = "O"
	UserRoleCommon UserRole = "C"
)

// DeliveryInvoiceStatus is the local settlement state of a delivery-partner
// invoice. Pending invoices are awaiting merchant receipt confirmation.
type DeliveryInvoiceStatus string

const (
	DeliveryInvoiceStatusPending  DeliveryInvoiceStatus = "Pending"
	DeliveryInvoiceStatusReceived DeliveryInvoiceStatus = "ReceivedByMerchant"
)

func (s DeliveryInvoiceStatus) Valid() bool {
	return s == DeliveryInvoiceStatusPending || s == DeliveryInvoiceStatusReceived
}

// ProfitRecordStatus advances one way: Pending -> InvoiceReceived -> Settled.
// Settled is terminal; nothing in this codebase moves a record out of it.
type ProfitRecordStatus string

const (
	ProfitRecordStatusPending         ProfitRecordStatus = "Pending"
	ProfitRecordStatusInvoiceReceived ProfitRecordStatus = "InvoiceReceived"
	ProfitRecordStatusSettled         ProfitRecordStatus = "Settled"
)

var ErrInvalidStatus = errors.New("invalid status")
