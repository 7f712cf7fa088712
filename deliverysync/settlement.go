package deliverysync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/config"
	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"bitbucket.org/mmdatafocus/retailops_backend/utils"
	"github.com/bsm/redislock"
)

// ConfirmReceipt confirms receipt of one invoice with the partner and then
// propagates the settlement locally. The ordering is the whole contract:
// the remote confirmation goes first, and if it fails nothing local changes.
// Once the partner has acknowledged, local propagation never rolls back —
// every local failure after that point is carried as a warning on the result,
// and the invoice itself is marked ReceivedByMerchant no matter how many
// orders matched.
func (w *Worker) ConfirmReceipt(ctx context.Context, businessId, externalId, receivedBy string) (*SettlementResult, error) {
	conn, err := w.store.Connection(ctx, businessId)
	if err != nil {
		return nil, err
	}

	if config.StrictReceiptImmutability() {
		if inv, err := w.store.Invoice(ctx, businessId, externalId); err == nil &&
			inv.Status == models.DeliveryInvoiceStatusReceived {
			return nil, fmt.Errorf("invoice %s: %w", externalId, models.ErrInvalidStatus)
		}
	}

	// Cross-instance guard: two operators confirming the same invoice at the
	// same moment would double-post. Skipped when redis is absent (tests,
	// local dev); the store operations themselves are idempotent.
	if locker := config.GetRedisLock(); locker != nil {
		lockKey := "delivery:confirm:" + businessId + ":" + externalId
		lock, err := locker.Obtain(ctx, lockKey, 60*time.Second, nil)
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrConfirmInProgress
		}
		if err != nil {
			return nil, err
		}
		defer lock.Release(context.Background())
	}

	client, err := w.newClient(conn.AuthSecretRef)
	if err != nil {
		return nil, err
	}

	if err := client.ConfirmReceipt(ctx, externalId); err != nil {
		if IsAuthError(err) {
			if markErr := w.store.MarkConnectionError(ctx, businessId); markErr != nil {
				config.LogError(w.logger, "deliverysync", "ConfirmReceipt", businessId, nil, markErr)
			}
		}
		return nil, err
	}

	// Point of no return: the partner has the confirmation.
	result := &SettlementResult{InvoiceExternalId: externalId}
	receivedAt := time.Now()

	detail, err := client.ListInvoiceOrders(ctx, externalId)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not fetch invoice orders: %v", err))
	} else if len(detail.Orders) > 0 {
		w.settleOrders(ctx, businessId, externalId, receivedBy, receivedAt, detail.Orders, result)
	}

	if err := w.store.MarkInvoiceReceived(ctx, businessId, externalId, receivedBy, receivedAt); err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not mark invoice received: %v", err))
	}

	w.logger.WithField("module", "deliverysync").
		WithField("business_id", businessId).
		WithField("invoice", externalId).
		WithField("updated_orders", result.UpdatedOrders).
		WithField("missing_mappings", result.MissingMappings).
		WithField("warnings", len(result.Warnings)).
		Info("receipt confirmed")
	return result, nil
}

func (w *Worker) settleOrders(ctx context.Context, businessId, externalId, receivedBy string, receivedAt time.Time, remoteOrders []RemoteOrderRef, result *SettlementResult) {
	partnerIds := make([]string, 0, len(remoteOrders))
	for _, o := range remoteOrders {
		partnerIds = append(partnerIds, o.Id)
	}
	partnerIds = utils.UniqueSlice(partnerIds)

	orders, err := w.store.ResolveOrders(ctx, businessId, partnerIds)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not resolve orders: %v", err))
		return
	}
	result.MissingMappings = len(partnerIds) - len(orders)

	if len(orders) == 0 {
		return
	}
	orderIds := make([]int, 0, len(orders))
	for _, o := range orders {
		orderIds = append(orderIds, o.ID)
	}

	updated, err := w.store.MarkOrdersReceived(ctx, businessId, orderIds, externalId, receivedBy, receivedAt)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not mark orders received: %v", err))
	} else {
		result.UpdatedOrders = updated
	}

	if _, _, err := w.store.UpsertLinks(ctx, businessId, externalId, remoteOrders); err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not record order links: %v", err))
	}

	advanced, err := w.store.AdvanceProfitStatus(ctx, businessId, orders)
	if err != nil {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("could not advance profit records: %v", err))
		return
	}
	result.ProfitRecordsAdvanced = advanced
}
