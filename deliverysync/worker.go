package deliverysync

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/config"
	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/sirupsen/logrus"
)

// Options tunes the reconciliation cycle. All values carry working defaults
// and env overrides; tests shrink the delays to keep runs fast.
type Options struct {
	// RecencyWindow selects which invoices get the order-level deep sync: an
	// invoice is eligible when updated within this window or when the partner
	// already shows it received.
	RecencyWindow time.Duration

	// BaseDelay is the pause between consecutive deep-sync calls. The pause
	// grows with the count of consecutive failures and drops back to the
	// base on the first success; it is never skipped, healthy batches pace
	// themselves too.
	BaseDelay time.Duration

	// MaxDelay caps the adaptive pause.
	MaxDelay time.Duration

	// RateLimitPause is the extra pause after a 429, unless the partner's
	// Retry-After hint is longer.
	RateLimitPause time.Duration
}

// DefaultOptions reads the DELIVERY_SYNC_* env knobs.
func DefaultOptions() Options {
	return Options{
		RecencyWindow:  durationFromEnv("DELIVERY_SYNC_RECENCY_WINDOW", 72*time.Hour),
		BaseDelay:      durationFromEnv("DELIVERY_SYNC_BASE_DELAY", 500*time.Millisecond),
		MaxDelay:       durationFromEnv("DELIVERY_SYNC_MAX_DELAY", 8*time.Second),
		RateLimitPause: durationFromEnv("DELIVERY_SYNC_RATE_LIMIT_PAUSE", 30*time.Second),
	}
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Worker drives reconciliation cycles and receipt confirmations for all
// businesses. One cycle per business at a time: a trigger that arrives while
// a cycle is running is dropped, not queued.
type Worker struct {
	store     *Store
	newClient ClientFactory
	logger    *logrus.Logger
	opts      Options

	mu       sync.Mutex
	inFlight map[string]bool
}

func NewWorker(store *Store, factory ClientFactory, opts Options) *Worker {
	if factory == nil {
		factory = NewPartnerClient
	}
	return &Worker{
		store:     store,
		newClient: factory,
		logger:    config.GetLogger(),
		opts:      opts,
		inFlight:  make(map[string]bool),
	}
}

func (w *Worker) Store() *Store { return w.store }

func (w *Worker) tryAcquire(businessId string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inFlight[businessId] {
		return false
	}
	w.inFlight[businessId] = true
	return true
}

func (w *Worker) release(businessId string) {
	w.mu.Lock()
	delete(w.inFlight, businessId)
	w.mu.Unlock()
}

// TriggerSync starts a reconciliation cycle in the background. It returns a
// one-shot channel carrying the cycle report, the run id, and whether the
// trigger was accepted. A trigger while a cycle for the same business is
// already running returns accepted=false and starts nothing.
func (w *Worker) TriggerSync(ctx context.Context, businessId, triggeredBy string) (<-chan CycleReport, uint, bool) {
	if !w.tryAcquire(businessId) {
		return nil, 0, false
	}

	var connectionId uint
	if conn, err := w.store.Connection(ctx, businessId); err == nil {
		connectionId = conn.ID
	}
	run, err := w.store.CreateSyncRun(ctx, businessId, connectionId, models.SyncRunStatusQueued, triggeredBy)
	if err != nil {
		w.release(businessId)
		config.LogError(w.logger, "deliverysync", "TriggerSync", businessId, nil, err)
		return nil, 0, false
	}

	done := make(chan CycleReport, 1)
	go func() {
		defer w.release(businessId)
		// Detached from the request context: the caller may have long since
		// returned 202 by the time the cycle finishes.
		bg, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		done <- w.executeCycle(bg, run)
		close(done)
	}()
	return done, run.ID, true
}

// ExecuteRun runs an already-queued run synchronously. This is the push
// delivery path: the queue retries on error, so a busy business returns nil
// after marking the run dropped.
func (w *Worker) ExecuteRun(ctx context.Context, runId uint, businessId string) (*CycleReport, error) {
	run, err := w.store.SyncRunByID(ctx, businessId, runId)
	if err != nil {
		return nil, err
	}
	if run.Status != models.SyncRunStatusQueued {
		// Redelivery of an already-executed message.
		return &CycleReport{BusinessId: businessId, Dropped: true}, nil
	}
	if !w.tryAcquire(businessId) {
		now := time.Now()
		_ = w.store.FinishSyncRun(ctx, run.ID, models.SyncRunStatusDropped, CycleReport{}, now, now)
		return &CycleReport{BusinessId: businessId, Dropped: true}, nil
	}
	defer w.release(businessId)

	report := w.executeCycle(ctx, run)
	return &report, nil
}

// executeCycle wraps one cycle in its run bookkeeping. The caller holds the
// single-flight slot.
func (w *Worker) executeCycle(ctx context.Context, run *models.DeliverySyncRun) CycleReport {
	startedAt := time.Now()
	if err := w.store.StartSyncRun(ctx, run.ID, startedAt); err != nil {
		config.LogError(w.logger, "deliverysync", "executeCycle", run.BusinessId, nil, err)
	}

	report := w.runCycle(ctx, run)

	status := models.SyncRunStatusSuccess
	switch {
	case report.RemotePhaseSkipped && report.ErrorCount > 0:
		status = models.SyncRunStatusFailed
	case report.InvoicesFailed > 0 || report.ErrorCount > 0:
		status = models.SyncRunStatusPartial
	}

	finishedAt := time.Now()
	if err := w.store.FinishSyncRun(ctx, run.ID, status, report, startedAt, finishedAt); err != nil {
		config.LogError(w.logger, "deliverysync", "executeCycle", run.BusinessId, nil, err)
	}
	if run.ConnectionId != 0 {
		err := w.store.TouchConnectionSync(ctx, run.ConnectionId, finishedAt, status == models.SyncRunStatusSuccess)
		if err != nil {
			config.LogError(w.logger, "deliverysync", "executeCycle", run.BusinessId, nil, err)
		}
	}

	if report.Notable() {
		w.logger.WithFields(logrus.Fields{
			"module":      "deliverysync",
			"business_id": run.BusinessId,
			"run_id":      run.ID,
			"upserted":    report.InvoicesUpserted,
			"processed":   report.InvoicesProcessed,
			"failed":      report.InvoicesFailed,
			"linked":      report.OrdersLinked,
			"status":      status,
		}).Info("reconciliation cycle finished")
	}
	return report
}

// runCycle is the cycle body: remote listing, local upsert, then the
// sequential deep sync. Every remote failure degrades rather than aborts; the
// worst case is a cycle that touched nothing and left local data as it was.
func (w *Worker) runCycle(ctx context.Context, run *models.DeliverySyncRun) CycleReport {
	report := CycleReport{BusinessId: run.BusinessId}

	conn, err := w.store.Connection(ctx, run.BusinessId)
	if err != nil {
		report.RemotePhaseSkipped = true
		if err != ErrNotConnected {
			report.ErrorCount++
			w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "connection", "", err)
		}
		return report
	}

	client, err := w.newClient(conn.AuthSecretRef)
	if err != nil {
		report.RemotePhaseSkipped = true
		report.ErrorCount++
		w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "connection", "", err)
		return report
	}

	remote, err := client.ListInvoices(ctx)
	if err != nil {
		report.RemotePhaseSkipped = true
		report.ErrorCount++
		w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "invoice_list", "", err)
		if IsAuthError(err) {
			if markErr := w.store.MarkConnectionError(ctx, run.BusinessId); markErr != nil {
				config.LogError(w.logger, "deliverysync", "runCycle", run.BusinessId, nil, markErr)
			}
		}
		return report
	}

	upserted, _, err := w.store.UpsertInvoiceList(ctx, run.BusinessId, remote)
	if err != nil {
		report.ErrorCount++
		w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "invoice_upsert", "", err)
		return report
	}
	report.InvoicesUpserted = upserted

	// Deep-sync over the merged view, not the raw listing: a locally
	// received invoice the partner no longer lists still gets its links
	// refreshed, so receipts stay fully linked for audit.
	local, err := w.store.ReadAll(ctx, run.BusinessId)
	if err != nil {
		report.ErrorCount++
		w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "invoice_read", "", err)
		return report
	}

	w.deepSync(ctx, run, client, MergeAndRank(local, remote), &report)
	return report
}

// deepSync fetches the order list of each eligible invoice sequentially.
// Every call after the first is preceded by a pause: BaseDelay when the batch
// is healthy, widening with each consecutive failure. A rate limit adds its
// own pause on top, and an auth rejection ends the batch since every further
// call would fail the same way.
func (w *Worker) deepSync(ctx context.Context, run *models.DeliverySyncRun, client PartnerAPI, invoices []models.DeliveryInvoice, report *CycleReport) {
	cutoff := time.Now().Add(-w.opts.RecencyWindow)
	consecutive := 0
	paced := false

	for _, inv := range invoices {
		if !w.deepSyncEligible(inv, cutoff) {
			continue
		}
		if paced {
			delay := w.opts.BaseDelay * time.Duration(1+consecutive)
			if delay > w.opts.MaxDelay {
				delay = w.opts.MaxDelay
			}
			if !sleepCtx(ctx, delay) {
				return
			}
		}
		paced = true

		detail, err := client.ListInvoiceOrders(ctx, inv.ExternalId)
		if err != nil {
			report.InvoicesFailed++
			report.ErrorCount++
			consecutive++
			w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "invoice_orders", inv.ExternalId, err)

			if IsAuthError(err) {
				if markErr := w.store.MarkConnectionError(ctx, run.BusinessId); markErr != nil {
					config.LogError(w.logger, "deliverysync", "deepSync", run.BusinessId, nil, markErr)
				}
				return
			}
			if rl, ok := IsRateLimitError(err); ok {
				pause := w.opts.RateLimitPause
				if rl.RetryAfter > pause {
					pause = rl.RetryAfter
				}
				if !sleepCtx(ctx, pause) {
					return
				}
			}
			continue
		}

		consecutive = 0
		linked, _, err := w.store.UpsertLinks(ctx, run.BusinessId, inv.ExternalId, detail.Orders)
		if err != nil {
			report.InvoicesFailed++
			report.ErrorCount++
			w.store.RecordSyncError(ctx, run.ID, run.BusinessId, "order_link", inv.ExternalId, err)
			continue
		}
		report.OrdersLinked += linked
		report.InvoicesProcessed++
	}
}

func (w *Worker) deepSyncEligible(inv models.DeliveryInvoice, cutoff time.Time) bool {
	if inv.Status == models.DeliveryInvoiceStatusReceived {
		return true
	}
	recency := inv.RecencyTime()
	return !recency.IsZero() && recency.After(cutoff)
}

// StartPolling triggers a cycle for every connected business on a fixed
// interval, until the context ends. Busy businesses are skipped; the next
// tick will catch them.
func (w *Worker) StartPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := w.store.ConnectedBusinessIDs(ctx)
			if err != nil {
				config.LogError(w.logger, "deliverysync", "StartPolling", "", nil, err)
				continue
			}
			for _, businessId := range ids {
				w.TriggerSync(ctx, businessId, models.SyncTriggeredPoll)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
