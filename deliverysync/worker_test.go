package deliverysync

import (
	"context"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/shopspring/decimal"
)

func TestCycleNotConnectedStaysLocal(t *testing.T) {
	fake := &fakePartnerAPI{}
	worker, _ := newTestWorker(t, fake)

	done, _, accepted := worker.TriggerSync(context.Background(), "biz1", models.SyncTriggeredManual)
	if !accepted {
		t.Fatalf("trigger not accepted")
	}
	report := <-done

	if !report.RemotePhaseSkipped {
		t.Fatalf("remote phase not skipped without a connection")
	}
	if fake.listCalls != 0 {
		t.Fatalf("partner called despite missing connection")
	}
	if report.Notable() {
		t.Fatalf("quiet local-only cycle should not be notable")
	}
}

func TestCycleEmptyRemoteListing(t *testing.T) {
	fake := &fakePartnerAPI{}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	done, runId, accepted := worker.TriggerSync(context.Background(), "biz1", models.SyncTriggeredManual)
	if !accepted {
		t.Fatalf("trigger not accepted")
	}
	report := <-done

	if report.InvoicesUpserted != 0 || report.InvoicesProcessed != 0 || report.ErrorCount != 0 {
		t.Fatalf("empty listing produced work: %+v", report)
	}
	if report.Notable() {
		t.Fatalf("empty cycle should not be notable")
	}

	run, err := store.SyncRunByID(context.Background(), "biz1", runId)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != models.SyncRunStatusSuccess {
		t.Fatalf("run status %s, want success", run.Status)
	}
}

func TestCycleNewInvoiceUpsertedAndDeepSynced(t *testing.T) {
	now := time.Now()
	fake := &fakePartnerAPI{
		invoices: []RemoteInvoice{{
			ExternalId: "INV-100",
			Amount:     decimal.NewFromInt(250),
			OrderCount: 2,
			Status:     models.DeliveryInvoiceStatusPending,
			UpdatedAt:  timePtr(now),
		}},
		orders: map[string][]RemoteOrderRef{
			"INV-100": {{Id: "DP-1"}, {Id: "DP-2"}},
		},
	}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	for _, dpId := range []string{"DP-1", "DP-2"} {
		order := models.SalesOrder{BusinessId: "biz1", DeliveryPartnerOrderId: dpId}
		if err := store.conn(ctx).Create(&order).Error; err != nil {
			t.Fatalf("seed order: %v", err)
		}
	}

	done, _, _ := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	report := <-done

	if report.InvoicesUpserted != 1 || report.InvoicesProcessed != 1 {
		t.Fatalf("report %+v, want 1 upserted / 1 processed", report)
	}
	if report.OrdersLinked != 2 {
		t.Fatalf("linked %d orders, want 2", report.OrdersLinked)
	}

	stats, err := store.InvoiceStats(ctx, "biz1", TimeWindow{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalInvoices != 1 || stats.PendingInvoices != 1 {
		t.Fatalf("stats %+v", stats)
	}
	if !stats.TotalAmount.Equal(decimal.NewFromInt(250)) {
		t.Fatalf("total amount %s, want 250", stats.TotalAmount)
	}
}

func TestCycleStaleInvoicesSkipDeepSync(t *testing.T) {
	stale := time.Now().Add(-10 * 24 * time.Hour)
	fake := &fakePartnerAPI{
		invoices: []RemoteInvoice{
			{ExternalId: "INV-OLD", Status: models.DeliveryInvoiceStatusPending, UpdatedAt: timePtr(stale)},
			{ExternalId: "INV-OLD-RECEIVED", Status: models.DeliveryInvoiceStatusReceived, UpdatedAt: timePtr(stale)},
		},
	}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	done, _, _ := worker.TriggerSync(context.Background(), "biz1", models.SyncTriggeredManual)
	<-done

	// Received invoices always get the deep sync, stale pending ones never do.
	if len(fake.orderCalls) != 1 || fake.orderCalls[0] != "INV-OLD-RECEIVED" {
		t.Fatalf("deep sync calls %v", fake.orderCalls)
	}
}

func TestDeepSyncPacesHealthyBatch(t *testing.T) {
	now := time.Now()
	invoices := make([]RemoteInvoice, 0, 4)
	for _, id := range []string{"INV-1", "INV-2", "INV-3", "INV-4"} {
		invoices = append(invoices, RemoteInvoice{
			ExternalId: id,
			Status:     models.DeliveryInvoiceStatusPending,
			UpdatedAt:  timePtr(now),
		})
	}
	fake := &fakePartnerAPI{invoices: invoices}

	store := newTestStore(t)
	opts := testOptions()
	opts.BaseDelay = 25 * time.Millisecond
	opts.MaxDelay = 200 * time.Millisecond
	worker := NewWorker(store, func(token string) (PartnerAPI, error) {
		return fake, nil
	}, opts)
	seedConnection(t, store, "biz1")

	start := time.Now()
	done, _, _ := worker.TriggerSync(context.Background(), "biz1", models.SyncTriggeredManual)
	report := <-done
	elapsed := time.Since(start)

	if report.InvoicesProcessed != 4 || report.InvoicesFailed != 0 {
		t.Fatalf("report %+v", report)
	}
	// Four calls means three inter-call pauses, even with zero failures.
	if want := 3 * opts.BaseDelay; elapsed < want {
		t.Fatalf("healthy batch finished in %s, want at least %s of pacing", elapsed, want)
	}
}

func TestDeepSyncCoversLocalReceiptsMissingFromListing(t *testing.T) {
	fake := &fakePartnerAPI{}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	if err := store.MarkInvoiceReceived(ctx, "biz1", "INV-GONE", "aung", time.Now()); err != nil {
		t.Fatalf("seed received invoice: %v", err)
	}

	// The partner no longer lists the invoice; its links are refreshed anyway.
	done, _, _ := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	report := <-done

	if len(fake.orderCalls) != 1 || fake.orderCalls[0] != "INV-GONE" {
		t.Fatalf("deep sync calls %v, want INV-GONE", fake.orderCalls)
	}
	if report.InvoicesProcessed != 1 {
		t.Fatalf("processed %d invoices, want 1", report.InvoicesProcessed)
	}
}

func TestCycleRateLimitFailsOneInvoiceOnly(t *testing.T) {
	now := time.Now()
	invoices := make([]RemoteInvoice, 0, 5)
	for _, id := range []string{"INV-1", "INV-2", "INV-3", "INV-4", "INV-5"} {
		invoices = append(invoices, RemoteInvoice{
			ExternalId: id,
			Status:     models.DeliveryInvoiceStatusPending,
			UpdatedAt:  timePtr(now),
		})
	}
	fake := &fakePartnerAPI{
		invoices:  invoices,
		ordersErr: map[string]error{"INV-3": &RateLimitError{RetryAfter: time.Millisecond}},
	}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	done, runId, _ := worker.TriggerSync(context.Background(), "biz1", models.SyncTriggeredManual)
	report := <-done

	if report.InvoicesFailed != 1 {
		t.Fatalf("failed %d invoices, want 1", report.InvoicesFailed)
	}
	if report.InvoicesProcessed != 4 {
		t.Fatalf("processed %d invoices, want 4", report.InvoicesProcessed)
	}
	if len(fake.orderCalls) != 5 {
		t.Fatalf("deep sync calls %v, want all 5 attempted", fake.orderCalls)
	}

	run, err := store.SyncRunByID(context.Background(), "biz1", runId)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != models.SyncRunStatusPartial {
		t.Fatalf("run status %s, want partial", run.Status)
	}
	errs, _ := store.SyncRunErrors(context.Background(), runId)
	if len(errs) != 1 || errs[0].ExternalId != "INV-3" || errs[0].ErrorCode != "rate_limited" {
		t.Fatalf("run errors %+v", errs)
	}
}

func TestCycleAuthErrorStopsBatch(t *testing.T) {
	now := time.Now()
	fake := &fakePartnerAPI{
		invoices: []RemoteInvoice{
			{ExternalId: "INV-1", Status: models.DeliveryInvoiceStatusPending, UpdatedAt: timePtr(now)},
			{ExternalId: "INV-2", Status: models.DeliveryInvoiceStatusPending, UpdatedAt: timePtr(now)},
			{ExternalId: "INV-3", Status: models.DeliveryInvoiceStatusPending, UpdatedAt: timePtr(now)},
		},
		ordersErr: map[string]error{"INV-2": ErrAuth},
	}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	done, _, _ := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	report := <-done

	if len(fake.orderCalls) != 2 {
		t.Fatalf("deep sync calls %v, want stop after auth rejection", fake.orderCalls)
	}
	if report.InvoicesProcessed != 1 || report.InvoicesFailed != 1 {
		t.Fatalf("report %+v", report)
	}

	// Connection flagged so the UI can prompt for reauthorization.
	var conn models.DeliveryPartnerConnection
	if err := store.conn(ctx).Where("business_id = ?", "biz1").First(&conn).Error; err != nil {
		t.Fatalf("load connection: %v", err)
	}
	if conn.Status != models.DeliveryPartnerStatusError {
		t.Fatalf("connection status %s, want error", conn.Status)
	}
}

func TestCycleAuthErrorOnListingSkipsRemotePhase(t *testing.T) {
	fake := &fakePartnerAPI{listErr: ErrAuth}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	done, runId, _ := worker.TriggerSync(context.Background(), "biz1", models.SyncTriggeredManual)
	report := <-done

	if !report.RemotePhaseSkipped || report.ErrorCount != 1 {
		t.Fatalf("report %+v", report)
	}

	run, err := store.SyncRunByID(context.Background(), "biz1", runId)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != models.SyncRunStatusFailed {
		t.Fatalf("run status %s, want failed", run.Status)
	}
}

func TestTriggerSyncSingleFlight(t *testing.T) {
	fake := &fakePartnerAPI{
		listStarted: make(chan struct{}),
		listBlock:   make(chan struct{}),
	}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	done, _, accepted := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	if !accepted {
		t.Fatalf("first trigger not accepted")
	}
	<-fake.listStarted

	// Second trigger while the first cycle is mid-flight is dropped.
	if _, _, accepted := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual); accepted {
		t.Fatalf("second trigger accepted while cycle in flight")
	}

	// A different business is unaffected.
	seedConnection(t, store, "biz2")
	done2, _, accepted := worker.TriggerSync(ctx, "biz2", models.SyncTriggeredManual)
	if !accepted {
		t.Fatalf("other business blocked by unrelated cycle")
	}

	close(fake.listBlock)
	<-done
	<-done2

	// After completion the slot is free again.
	done3, _, accepted := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	if !accepted {
		t.Fatalf("trigger after completion not accepted")
	}
	<-done3
}

func TestExecuteRunDropsWhenBusy(t *testing.T) {
	fake := &fakePartnerAPI{
		listStarted: make(chan struct{}),
		listBlock:   make(chan struct{}),
	}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	done, _, _ := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	<-fake.listStarted

	queued, err := store.CreateSyncRun(ctx, "biz1", 1, models.SyncRunStatusQueued, models.SyncTriggeredSystem)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	report, err := worker.ExecuteRun(ctx, queued.ID, "biz1")
	if err != nil {
		t.Fatalf("execute run: %v", err)
	}
	if !report.Dropped {
		t.Fatalf("busy run not dropped")
	}

	run, err := store.SyncRunByID(ctx, "biz1", queued.ID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.Status != models.SyncRunStatusDropped {
		t.Fatalf("run status %s, want dropped", run.Status)
	}

	close(fake.listBlock)
	<-done
}

func TestExecuteRunIgnoresRedelivery(t *testing.T) {
	fake := &fakePartnerAPI{}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	run, err := store.CreateSyncRun(ctx, "biz1", 1, models.SyncRunStatusQueued, models.SyncTriggeredSystem)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	if _, err := worker.ExecuteRun(ctx, run.ID, "biz1"); err != nil {
		t.Fatalf("first execute: %v", err)
	}
	listCallsAfterFirst := fake.listCalls

	report, err := worker.ExecuteRun(ctx, run.ID, "biz1")
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !report.Dropped {
		t.Fatalf("redelivered run re-executed")
	}
	if fake.listCalls != listCallsAfterFirst {
		t.Fatalf("redelivery hit the partner again")
	}
}

func TestCycleUpdatesConnectionSyncTimestamps(t *testing.T) {
	fake := &fakePartnerAPI{}
	worker, store := newTestWorker(t, fake)
	seedConnection(t, store, "biz1")

	ctx := context.Background()
	done, _, _ := worker.TriggerSync(ctx, "biz1", models.SyncTriggeredManual)
	<-done

	conn, err := store.Connection(ctx, "biz1")
	if err != nil {
		t.Fatalf("connection: %v", err)
	}
	if conn.LastSyncAt == nil || conn.LastSuccessSyncAt == nil {
		t.Fatalf("sync timestamps not recorded: %+v", conn)
	}
}
