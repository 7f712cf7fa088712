package models

import (
	"log"

	"bitbucket.org/mmdatafocus/retailops_backend/config"
)

// MigrateTable runs AutoMigrate for every table this service owns or writes.
// Skippable on startup via SKIP_MIGRATIONS=true.
func MigrateTable() {
	db := config.GetDB()
	if db == nil {
		log.Println("MigrateTable: db is nil, skipping")
		return
	}

	err := db.AutoMigrate(
		&User{},
		&SalesOrder{},
		&OrderProfitRecord{},
		&DeliveryPartnerConnection{},
		&DeliveryInvoice{},
		&DeliveryInvoiceOrderLink{},
		&DeliverySyncRun{},
		&DeliverySyncError{},
	)
	if err != nil {
		log.Printf("MigrateTable: %v", err)
	}
}
