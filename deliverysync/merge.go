package deliverysync

import (
	"sort"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
)

// MergeAndRank overlays a remote invoice listing onto the local rows and
// returns a single ranked view. The merge is keyed by the partner's invoice
// id: remote wins the summary fields (amount, order count, remote timestamps),
// local wins identity and receipt state — a locally received invoice is shown
// received even if the partner still lists it pending. Remote-only invoices
// appear with a zero local id; local-only invoices pass through untouched, so
// the listing degrades gracefully when the remote phase was skipped.
//
// Ranking: Pending before ReceivedByMerchant, then most recently updated
// first, stable for equal keys.
func MergeAndRank(local []models.DeliveryInvoice, remote []RemoteInvoice) []models.DeliveryInvoice {
	merged := make([]models.DeliveryInvoice, 0, len(local)+len(remote))
	byExternal := make(map[string]int, len(local))

	for _, inv := range local {
		byExternal[inv.ExternalId] = len(merged)
		merged = append(merged, inv)
	}

	for _, r := range remote {
		idx, ok := byExternal[r.ExternalId]
		if !ok {
			merged = append(merged, models.DeliveryInvoice{
				Provider:        models.DeliveryProviderSwiftShip,
				ExternalId:      r.ExternalId,
				Amount:          r.Amount,
				OrderCount:      r.OrderCount,
				Status:          normalizeStatus(r.Status),
				RemoteCreatedAt: r.CreatedAt,
				RemoteUpdatedAt: r.UpdatedAt,
			})
			continue
		}

		inv := &merged[idx]
		inv.Amount = r.Amount
		inv.OrderCount = r.OrderCount
		inv.RemoteCreatedAt = r.CreatedAt
		inv.RemoteUpdatedAt = r.UpdatedAt
		if inv.Status != models.DeliveryInvoiceStatusReceived &&
			r.Status == models.DeliveryInvoiceStatusReceived {
			inv.Status = models.DeliveryInvoiceStatusReceived
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Status != b.Status {
			return a.Status == models.DeliveryInvoiceStatusPending
		}
		at, bt := a.RecencyTime(), b.RecencyTime()
		if !at.Equal(bt) {
			return at.After(bt)
		}
		return a.ExternalId < b.ExternalId
	})
	return merged
}

func normalizeStatus(s models.DeliveryInvoiceStatus) models.DeliveryInvoiceStatus {
	if s.Valid() {
		return s
	}
	return models.DeliveryInvoiceStatusPending
}
