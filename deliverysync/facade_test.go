package deliverysync

import (
	"bytes"
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"
)

func seedInvoices(t *testing.T, store *Store) {
	t.Helper()
	now := time.Now()
	remote := []RemoteInvoice{
		{ExternalId: "INV-1", Amount: decimal.NewFromInt(100), OrderCount: 2, Status: models.DeliveryInvoiceStatusPending, UpdatedAt: timePtr(now.Add(-time.Hour))},
		{ExternalId: "INV-2", Amount: decimal.NewFromInt(200), OrderCount: 3, Status: models.DeliveryInvoiceStatusPending, UpdatedAt: timePtr(now.Add(-20 * 24 * time.Hour))},
		{ExternalId: "INV-3", Amount: decimal.NewFromInt(50), OrderCount: 1, Status: models.DeliveryInvoiceStatusReceived, UpdatedAt: timePtr(now.Add(-2 * time.Hour))},
	}
	if _, _, err := store.UpsertInvoiceList(context.Background(), "biz1", remote); err != nil {
		t.Fatalf("seed invoices: %v", err)
	}
}

func TestListInvoicesRankedAndScoped(t *testing.T) {
	store := newTestStore(t)
	seedInvoices(t, store)

	ctx := context.Background()
	invoices, err := store.ListInvoices(ctx, "biz1", TimeWindow{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"INV-1", "INV-2", "INV-3"}
	if len(invoices) != len(want) {
		t.Fatalf("got %d invoices, want %d", len(invoices), len(want))
	}
	for i, id := range want {
		if invoices[i].ExternalId != id {
			t.Fatalf("position %d: got %s, want %s", i, invoices[i].ExternalId, id)
		}
	}

	// Other businesses see nothing.
	other, err := store.ListInvoices(ctx, "biz2", TimeWindow{})
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("cross-tenant leak: %d invoices", len(other))
	}
}

func TestListInvoicesWindowFilter(t *testing.T) {
	store := newTestStore(t)
	seedInvoices(t, store)

	window, err := ParseTimeWindow("7d", "", "")
	if err != nil {
		t.Fatalf("parse window: %v", err)
	}
	invoices, err := store.ListInvoices(context.Background(), "biz1", window)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, inv := range invoices {
		if inv.ExternalId == "INV-2" {
			t.Fatalf("20-day-old invoice inside the 7d window")
		}
	}
	if len(invoices) != 2 {
		t.Fatalf("got %d invoices, want 2", len(invoices))
	}
}

func TestInvoiceStatsRecomputed(t *testing.T) {
	store := newTestStore(t)
	seedInvoices(t, store)
	ctx := context.Background()

	stats, err := store.InvoiceStats(ctx, "biz1", TimeWindow{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalInvoices != 3 || stats.PendingInvoices != 2 {
		t.Fatalf("stats %+v", stats)
	}
	if !stats.TotalAmount.Equal(decimal.NewFromInt(350)) {
		t.Fatalf("total amount %s, want 350", stats.TotalAmount)
	}
	if stats.TotalOrders != 6 {
		t.Fatalf("total orders %d, want 6", stats.TotalOrders)
	}

	// Stats follow local state with no caching in between.
	if err := store.MarkInvoiceReceived(ctx, "biz1", "INV-1", "aung", time.Now()); err != nil {
		t.Fatalf("mark received: %v", err)
	}
	stats, err = store.InvoiceStats(ctx, "biz1", TimeWindow{})
	if err != nil {
		t.Fatalf("stats after receipt: %v", err)
	}
	if stats.PendingInvoices != 1 {
		t.Fatalf("pending %d after receipt, want 1", stats.PendingInvoices)
	}
}

func TestParseTimeWindow(t *testing.T) {
	if _, err := ParseTimeWindow("fortnight", "", ""); err == nil {
		t.Fatalf("unknown window accepted")
	}
	if _, err := ParseTimeWindow("custom", "not-a-date", ""); err == nil {
		t.Fatalf("bad custom bound accepted")
	}

	w, err := ParseTimeWindow("custom", "2026-08-01T00:00:00Z", "2026-08-31T00:00:00Z")
	if err != nil {
		t.Fatalf("custom window: %v", err)
	}
	if !w.Contains(time.Date(2026, 8, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date inside bounds rejected")
	}
	if w.Contains(time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date outside bounds accepted")
	}

	all, err := ParseTimeWindow("", "", "")
	if err != nil {
		t.Fatalf("all window: %v", err)
	}
	if !all.Contains(time.Time{}) {
		t.Fatalf("all window rejected a value")
	}
}

func TestExportInvoicesXLSX(t *testing.T) {
	store := newTestStore(t)
	seedInvoices(t, store)

	buf, err := store.ExportInvoicesXLSX(context.Background(), "biz1", TimeWindow{})
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	f, err := excelize.OpenReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("reopen workbook: %v", err)
	}
	defer f.Close()

	rows, err := f.GetRows("Invoices")
	if err != nil {
		t.Fatalf("read sheet: %v", err)
	}
	// Header plus three invoices.
	if len(rows) != 4 {
		t.Fatalf("got %d rows, want 4", len(rows))
	}
	if rows[0][0] != "Invoice Id" {
		t.Fatalf("unexpected header %q", rows[0][0])
	}
	if rows[1][0] != "INV-1" {
		t.Fatalf("first data row %q, want ranked first invoice", rows[1][0])
	}
}
