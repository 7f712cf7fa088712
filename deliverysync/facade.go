package deliverysync

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

// ListInvoices returns the ranked local view of the business's invoices,
// filtered by the time window. Reads never touch the partner; freshness comes
// from the background cycle.
func (s *Store) ListInvoices(ctx context.Context, businessId string, window TimeWindow) ([]models.DeliveryInvoice, error) {
	local, err := s.ReadAll(ctx, businessId)
	if err != nil {
		return nil, err
	}
	ranked := MergeAndRank(local, nil)

	if window.From == nil && window.To == nil {
		return ranked, nil
	}
	filtered := make([]models.DeliveryInvoice, 0, len(ranked))
	for _, inv := range ranked {
		if window.Contains(inv.RecencyTime()) {
			filtered = append(filtered, inv)
		}
	}
	return filtered, nil
}

// InvoiceStats recomputes the aggregates over the windowed view on every
// call. Nothing is cached; the numbers always agree with the listing.
func (s *Store) InvoiceStats(ctx context.Context, businessId string, window TimeWindow) (*Stats, error) {
	invoices, err := s.ListInvoices(ctx, businessId, window)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalAmount: decimal.Zero}
	for _, inv := range invoices {
		stats.TotalInvoices++
		if inv.Status == models.DeliveryInvoiceStatusPending {
			stats.PendingInvoices++
		}
		stats.TotalAmount = stats.TotalAmount.Add(inv.Amount)
		stats.TotalOrders += inv.OrderCount
	}
	return stats, nil
}

// ExportInvoicesXLSX renders the windowed invoice view as a spreadsheet.
func (s *Store) ExportInvoicesXLSX(ctx context.Context, businessId string, window TimeWindow) (*bytes.Buffer, error) {
	invoices, err := s.ListInvoices(ctx, businessId, window)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := "Invoices"
	f.SetSheetName("Sheet1", sheet)

	headers := []string{"Invoice Id", "Status", "Amount", "Order Count", "Updated At", "Received At", "Received By"}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		f.SetCellValue(sheet, cell, h)
	}

	for row, inv := range invoices {
		values := []interface{}{
			inv.ExternalId,
			string(inv.Status),
			inv.Amount.String(),
			inv.OrderCount,
			formatTimePtr(inv.RemoteUpdatedAt),
			formatTimePtr(inv.ReceivedAt),
			inv.ReceivedBy,
		}
		for col, v := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			f.SetCellValue(sheet, cell, v)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write xlsx: %w", err)
	}
	return buf, nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}
