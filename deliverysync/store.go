package deliverysync

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/config"
	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"bitbucket.org/mmdatafocus/retailops_backend/utils"
	"gorm.io/gorm"
)

// Store is the local invoice store plus the sync bookkeeping tables. It is an
// explicit handle so tests can open one against an isolated database; in the
// service it wraps the shared pool.
type Store struct {
	db       *gorm.DB
	provider string
}

// NewStore opens a store over the given database. Passing nil defers to the
// shared connection, resolved lazily on first use so the service can start
// before the database is reachable.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, provider: models.DeliveryProviderSwiftShip}
}

// Close releases the store. The shared pool is owned by config and stays open.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	if s.db != nil {
		return s.db.WithContext(ctx)
	}
	return config.GetDB().WithContext(ctx)
}

// ReadAll returns every locally stored invoice for the business, with order
// links stitched in. Never touches the network.
func (s *Store) ReadAll(ctx context.Context, businessId string) ([]models.DeliveryInvoice, error) {
	db := s.conn(ctx)

	var invoices []models.DeliveryInvoice
	err := db.Where("business_id = ? AND provider = ?", businessId, s.provider).
		Find(&invoices).Error
	if err != nil {
		return nil, err
	}
	if len(invoices) == 0 {
		return invoices, nil
	}

	externalIds := make([]string, 0, len(invoices))
	for _, inv := range invoices {
		externalIds = append(externalIds, inv.ExternalId)
	}
	var links []models.DeliveryInvoiceOrderLink
	err = db.Where("business_id = ? AND provider = ? AND invoice_external_id IN ?",
		businessId, s.provider, externalIds).
		Find(&links).Error
	if err != nil {
		return nil, err
	}

	byInvoice := make(map[string][]models.DeliveryInvoiceOrderLink, len(invoices))
	for _, link := range links {
		byInvoice[link.InvoiceExternalId] = append(byInvoice[link.InvoiceExternalId], link)
	}
	for i := range invoices {
		invoices[i].Links = byInvoice[invoices[i].ExternalId]
	}
	return invoices, nil
}

// Invoice returns one invoice by its partner-side id, or
// utils.ErrorRecordNotFound.
func (s *Store) Invoice(ctx context.Context, businessId, externalId string) (*models.DeliveryInvoice, error) {
	var invoice models.DeliveryInvoice
	err := s.conn(ctx).
		Where("business_id = ? AND provider = ? AND external_id = ?", businessId, s.provider, externalId).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &invoice, nil
}

// UpsertInvoiceList merges one remote listing into the local table. Summary
// fields follow the remote; a local ReceivedByMerchant status is never
// downgraded back to Pending. Returns (upserted, processed): upserted counts
// rows actually created or changed, processed counts every remote row seen,
// so a fully quiet re-run reports (0, n).
func (s *Store) UpsertInvoiceList(ctx context.Context, businessId string, remote []RemoteInvoice) (int, int, error) {
	if len(remote) == 0 {
		return 0, 0, nil
	}

	upserted := 0
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		for _, r := range remote {
			var existing models.DeliveryInvoice
			err := tx.Where("business_id = ? AND provider = ? AND external_id = ?",
				businessId, s.provider, r.ExternalId).
				First(&existing).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				invoice := models.DeliveryInvoice{
					BusinessId:      businessId,
					Provider:        s.provider,
					ExternalId:      r.ExternalId,
					Amount:          r.Amount,
					OrderCount:      r.OrderCount,
					Status:          r.Status,
					RemoteCreatedAt: r.CreatedAt,
					RemoteUpdatedAt: r.UpdatedAt,
				}
				if !invoice.Status.Valid() {
					invoice.Status = models.DeliveryInvoiceStatusPending
				}
				if err := tx.Create(&invoice).Error; err != nil {
					return err
				}
				upserted++
				continue
			}
			if err != nil {
				return err
			}

			updates := map[string]interface{}{}
			if !existing.Amount.Equal(r.Amount) {
				updates["amount"] = r.Amount
			}
			if existing.OrderCount != r.OrderCount {
				updates["order_count"] = r.OrderCount
			}
			if !timePtrEqual(existing.RemoteCreatedAt, r.CreatedAt) {
				updates["remote_created_at"] = r.CreatedAt
			}
			if !timePtrEqual(existing.RemoteUpdatedAt, r.UpdatedAt) {
				updates["remote_updated_at"] = r.UpdatedAt
			}
			// Status only ever advances locally.
			if existing.Status != models.DeliveryInvoiceStatusReceived &&
				r.Status == models.DeliveryInvoiceStatusReceived {
				updates["status"] = models.DeliveryInvoiceStatusReceived
			}
			if len(updates) == 0 {
				continue
			}
			err = tx.Model(&models.DeliveryInvoice{}).
				Where("id = ?", existing.ID).
				Updates(updates).Error
			if err != nil {
				return err
			}
			upserted++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return upserted, len(remote), nil
}

// UpsertLinks records invoice-to-order links for remote order ids that resolve
// to local orders. Existing pairs are left alone. Returns (created, resolved).
func (s *Store) UpsertLinks(ctx context.Context, businessId, invoiceExternalId string, orders []RemoteOrderRef) (int, int, error) {
	if len(orders) == 0 {
		return 0, 0, nil
	}

	partnerIds := make([]string, 0, len(orders))
	for _, o := range orders {
		partnerIds = append(partnerIds, o.Id)
	}
	localOrders, err := s.ResolveOrders(ctx, businessId, partnerIds)
	if err != nil {
		return 0, 0, err
	}
	if len(localOrders) == 0 {
		return 0, 0, nil
	}

	created := 0
	err = s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		for _, order := range localOrders {
			var existing models.DeliveryInvoiceOrderLink
			err := tx.Where("business_id = ? AND provider = ? AND invoice_external_id = ? AND local_order_id = ?",
				businessId, s.provider, invoiceExternalId, order.ID).
				First(&existing).Error
			if err == nil {
				continue
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
			link := models.DeliveryInvoiceOrderLink{
				BusinessId:        businessId,
				Provider:          s.provider,
				InvoiceExternalId: invoiceExternalId,
				LocalOrderId:      order.ID,
			}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return created, len(localOrders), nil
}

// ResolveOrders maps partner-side order ids onto local sales orders. Ids with
// no local match are simply absent from the result.
func (s *Store) ResolveOrders(ctx context.Context, businessId string, partnerOrderIds []string) ([]models.SalesOrder, error) {
	if len(partnerOrderIds) == 0 {
		return nil, nil
	}
	var orders []models.SalesOrder
	err := s.conn(ctx).
		Where("business_id = ? AND delivery_partner_order_id IN ?", businessId, partnerOrderIds).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// MarkOrdersReceived stamps receipt state onto the given orders. Orders
// already marked received are skipped, so a re-confirmation reports zero.
func (s *Store) MarkOrdersReceived(ctx context.Context, businessId string, orderIds []int, invoiceExternalId, receivedBy string, receivedAt time.Time) (int, error) {
	if len(orderIds) == 0 {
		return 0, nil
	}
	result := s.conn(ctx).Model(&models.SalesOrder{}).
		Where("business_id = ? AND id IN ? AND receipt_received = ?", businessId, orderIds, false).
		Updates(map[string]interface{}{
			"receipt_received":    true,
			"invoice_external_id": invoiceExternalId,
			"invoice_received_at": receivedAt,
			"received_by":         receivedBy,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return int(result.RowsAffected), nil
}

// AdvanceProfitStatus moves the profit records of the given orders to
// InvoiceReceived. Settled records are never touched; orders without a record
// get one seeded from the order total and the configured default cost ratio.
func (s *Store) AdvanceProfitStatus(ctx context.Context, businessId string, orders []models.SalesOrder) (int, error) {
	if len(orders) == 0 {
		return 0, nil
	}

	orderIds := make([]int, 0, len(orders))
	byId := make(map[int]models.SalesOrder, len(orders))
	for _, o := range orders {
		orderIds = append(orderIds, o.ID)
		byId[o.ID] = o
	}

	advanced := 0
	err := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []models.OrderProfitRecord
		err := tx.Where("business_id = ? AND order_id IN ?", businessId, orderIds).
			Find(&existing).Error
		if err != nil {
			return err
		}

		seen := make(map[int]bool, len(existing))
		for _, rec := range existing {
			seen[rec.OrderId] = true
			if rec.Status != models.ProfitRecordStatusPending {
				continue
			}
			err = tx.Model(&models.OrderProfitRecord{}).
				Where("id = ? AND status = ?", rec.ID, models.ProfitRecordStatusPending).
				Update("status", models.ProfitRecordStatusInvoiceReceived).Error
			if err != nil {
				return err
			}
			advanced++
		}

		ratio := config.DefaultProfitCostRatio()
		for _, id := range orderIds {
			if seen[id] {
				continue
			}
			order := byId[id]
			rec := models.OrderProfitRecord{
				BusinessId: businessId,
				OrderId:    id,
				Revenue:    order.OrderTotal,
				Cost:       order.OrderTotal.Mul(ratio),
				Status:     models.ProfitRecordStatusInvoiceReceived,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			advanced++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return advanced, nil
}

// MarkInvoiceReceived advances the invoice to ReceivedByMerchant. Idempotent:
// an already-received invoice is left exactly as it was.
func (s *Store) MarkInvoiceReceived(ctx context.Context, businessId, externalId, receivedBy string, receivedAt time.Time) error {
	db := s.conn(ctx)
	var invoice models.DeliveryInvoice
	err := db.Where("business_id = ? AND provider = ? AND external_id = ?",
		businessId, s.provider, externalId).
		First(&invoice).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Confirmed before it was ever listed locally; create the row so the
		// receipt is not lost.
		invoice = models.DeliveryInvoice{
			BusinessId: businessId,
			Provider:   s.provider,
			ExternalId: externalId,
			Status:     models.DeliveryInvoiceStatusReceived,
			ReceivedAt: &receivedAt,
			ReceivedBy: receivedBy,
		}
		return db.Create(&invoice).Error
	}
	if err != nil {
		return err
	}
	if invoice.Status == models.DeliveryInvoiceStatusReceived {
		return nil
	}
	return db.Model(&models.DeliveryInvoice{}).
		Where("id = ?", invoice.ID).
		Updates(map[string]interface{}{
			"status":      models.DeliveryInvoiceStatusReceived,
			"received_at": receivedAt,
			"received_by": receivedBy,
		}).Error
}

// Connection returns the business's connected partner row, or ErrNotConnected.
func (s *Store) Connection(ctx context.Context, businessId string) (*models.DeliveryPartnerConnection, error) {
	var conn models.DeliveryPartnerConnection
	err := s.conn(ctx).
		Where("business_id = ? AND provider = ?", businessId, s.provider).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, err
	}
	if conn.Status != models.DeliveryPartnerStatusConnected {
		return nil, ErrNotConnected
	}
	return &conn, nil
}

// SaveConnection creates or replaces the business's connection row and marks
// it connected.
func (s *Store) SaveConnection(ctx context.Context, businessId string, req ConnectRequest) (*models.DeliveryPartnerConnection, error) {
	db := s.conn(ctx)

	var conn models.DeliveryPartnerConnection
	err := db.Where("business_id = ? AND provider = ?", businessId, s.provider).
		First(&conn).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		conn = models.DeliveryPartnerConnection{
			BusinessId:    businessId,
			Provider:      s.provider,
			Status:        models.DeliveryPartnerStatusConnected,
			AuthType:      "bearer",
			AuthSecretRef: req.Token,
			MerchantId:    req.MerchantId,
			MerchantName:  req.MerchantName,
		}
		if err := db.Create(&conn).Error; err != nil {
			return nil, err
		}
		return &conn, nil
	}
	if err != nil {
		return nil, err
	}

	conn.Status = models.DeliveryPartnerStatusConnected
	conn.AuthType = "bearer"
	conn.AuthSecretRef = req.Token
	conn.MerchantId = req.MerchantId
	conn.MerchantName = req.MerchantName
	if err := db.Save(&conn).Error; err != nil {
		return nil, err
	}
	return &conn, nil
}

// Disconnect marks the connection disconnected and clears the credential.
// Local invoice data stays.
func (s *Store) Disconnect(ctx context.Context, businessId string) error {
	result := s.conn(ctx).Model(&models.DeliveryPartnerConnection{}).
		Where("business_id = ? AND provider = ?", businessId, s.provider).
		Updates(map[string]interface{}{
			"status":          models.DeliveryPartnerStatusDisconnected,
			"auth_secret_ref": "",
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotConnected
	}
	return nil
}

// MarkConnectionError flags the connection after an auth rejection so the UI
// can prompt for reauthorization. The credential is kept for inspection.
func (s *Store) MarkConnectionError(ctx context.Context, businessId string) error {
	return s.conn(ctx).Model(&models.DeliveryPartnerConnection{}).
		Where("business_id = ? AND provider = ?", businessId, s.provider).
		Update("status", models.DeliveryPartnerStatusError).Error
}

// TouchConnectionSync records the cycle timestamps on the connection row.
func (s *Store) TouchConnectionSync(ctx context.Context, connectionId uint, at time.Time, success bool) error {
	updates := map[string]interface{}{"last_sync_at": at}
	if success {
		updates["last_success_sync_at"] = at
	}
	return s.conn(ctx).Model(&models.DeliveryPartnerConnection{}).
		Where("id = ?", connectionId).
		Updates(updates).Error
}

// ConnectedBusinessIDs lists businesses with an active connection, for the
// background poller.
func (s *Store) ConnectedBusinessIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.conn(ctx).Model(&models.DeliveryPartnerConnection{}).
		Where("provider = ? AND status = ?", s.provider, models.DeliveryPartnerStatusConnected).
		Pluck("business_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateSyncRun opens a run row in the given state.
func (s *Store) CreateSyncRun(ctx context.Context, businessId string, connectionId uint, status, triggeredBy string) (*models.DeliverySyncRun, error) {
	run := models.DeliverySyncRun{
		BusinessId:   businessId,
		ConnectionId: connectionId,
		Provider:     s.provider,
		Status:       status,
		TriggeredBy:  triggeredBy,
	}
	if err := s.conn(ctx).Create(&run).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// StartSyncRun flips a queued run to running and stamps the start time.
func (s *Store) StartSyncRun(ctx context.Context, runId uint, at time.Time) error {
	return s.conn(ctx).Model(&models.DeliverySyncRun{}).
		Where("id = ?", runId).
		Updates(map[string]interface{}{
			"status":     models.SyncRunStatusRunning,
			"started_at": at,
		}).Error
}

// FinishSyncRun closes a run with its final status and counters.
func (s *Store) FinishSyncRun(ctx context.Context, runId uint, status string, report CycleReport, startedAt, finishedAt time.Time) error {
	return s.conn(ctx).Model(&models.DeliverySyncRun{}).
		Where("id = ?", runId).
		Updates(map[string]interface{}{
			"status":             status,
			"invoices_upserted":  report.InvoicesUpserted,
			"invoices_processed": report.InvoicesProcessed,
			"invoices_failed":    report.InvoicesFailed,
			"orders_linked":      report.OrdersLinked,
			"error_count":        report.ErrorCount,
			"finished_at":        finishedAt,
			"duration_ms":        finishedAt.Sub(startedAt).Milliseconds(),
		}).Error
}

// RecordSyncError stores one absorbed per-item failure.
func (s *Store) RecordSyncError(ctx context.Context, runId uint, businessId, entityType, externalId string, cause error) {
	syncErr := models.DeliverySyncError{
		SyncRunId:  runId,
		BusinessId: businessId,
		EntityType: entityType,
		ExternalId: externalId,
		ErrorCode:  errorCode(cause),
		Message:    cause.Error(),
		Retryable:  isRetryable(cause),
	}
	if err := s.conn(ctx).Create(&syncErr).Error; err != nil {
		config.LogError(config.GetLogger(), "deliverysync", "RecordSyncError", externalId, nil, err)
	}
}

// SyncRuns lists the most recent runs for the business, newest first.
func (s *Store) SyncRuns(ctx context.Context, businessId string, limit int) ([]models.DeliverySyncRun, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var runs []models.DeliverySyncRun
	err := s.conn(ctx).
		Where("business_id = ? AND provider = ?", businessId, s.provider).
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// SyncRunByID loads one run scoped to the business, or
// utils.ErrorRecordNotFound.
func (s *Store) SyncRunByID(ctx context.Context, businessId string, runId uint) (*models.DeliverySyncRun, error) {
	var run models.DeliverySyncRun
	err := s.conn(ctx).
		Where("id = ? AND business_id = ?", runId, businessId).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// SyncRunErrors lists the absorbed failures of one run.
func (s *Store) SyncRunErrors(ctx context.Context, runId uint) ([]models.DeliverySyncError, error) {
	var errs []models.DeliverySyncError
	err := s.conn(ctx).
		Where("sync_run_id = ?", runId).
		Order("id ASC").
		Find(&errs).Error
	if err != nil {
		return nil, err
	}
	return errs, nil
}

func timePtrEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
