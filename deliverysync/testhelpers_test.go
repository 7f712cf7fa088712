package deliverysync

import (
	"context"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/retailops_backend/models"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:test-" + uuid.NewString() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	err = db.AutoMigrate(
		&models.SalesOrder{},
		&models.OrderProfitRecord{},
		&models.DeliveryPartnerConnection{},
		&models.DeliveryInvoice{},
		&models.DeliveryInvoiceOrderLink{},
		&models.DeliverySyncRun{},
		&models.DeliverySyncError{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(openTestDB(t))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedConnection(t *testing.T, store *Store, businessId string) {
	t.Helper()
	_, err := store.SaveConnection(context.Background(), businessId, ConnectRequest{
		MerchantId:   "merchant-1",
		MerchantName: "Merchant One",
		Token:        "test-token",
	})
	if err != nil {
		t.Fatalf("seed connection: %v", err)
	}
}

func testOptions() Options {
	return Options{
		RecencyWindow:  72 * time.Hour,
		BaseDelay:      time.Millisecond,
		MaxDelay:       5 * time.Millisecond,
		RateLimitPause: time.Millisecond,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

// fakePartnerAPI scripts the remote side for worker and settlement tests.
type fakePartnerAPI struct {
	mu sync.Mutex

	invoices []RemoteInvoice
	orders   map[string][]RemoteOrderRef

	listErr    error
	ordersErr  map[string]error
	confirmErr error

	listCalls    int
	orderCalls   []string
	confirmCalls []string

	listStarted chan struct{}
	listBlock   chan struct{}
}

func (f *fakePartnerAPI) ListInvoices(ctx context.Context) ([]RemoteInvoice, error) {
	f.mu.Lock()
	f.listCalls++
	started, block := f.listStarted, f.listBlock
	f.mu.Unlock()

	if started != nil {
		close(started)
		f.mu.Lock()
		f.listStarted = nil
		f.mu.Unlock()
	}
	if block != nil {
		<-block
	}
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.invoices, nil
}

func (f *fakePartnerAPI) ListInvoiceOrders(ctx context.Context, externalId string) (*RemoteInvoiceDetail, error) {
	f.mu.Lock()
	f.orderCalls = append(f.orderCalls, externalId)
	f.mu.Unlock()

	if err, ok := f.ordersErr[externalId]; ok && err != nil {
		return nil, err
	}
	for _, inv := range f.invoices {
		if inv.ExternalId == externalId {
			return &RemoteInvoiceDetail{Invoice: inv, Orders: f.orders[externalId]}, nil
		}
	}
	return &RemoteInvoiceDetail{
		Invoice: RemoteInvoice{ExternalId: externalId},
		Orders:  f.orders[externalId],
	}, nil
}

func (f *fakePartnerAPI) ConfirmReceipt(ctx context.Context, externalId string) error {
	f.mu.Lock()
	f.confirmCalls = append(f.confirmCalls, externalId)
	f.mu.Unlock()
	return f.confirmErr
}

func newTestWorker(t *testing.T, fake *fakePartnerAPI) (*Worker, *Store) {
	t.Helper()
	store := newTestStore(t)
	worker := NewWorker(store, func(token string) (PartnerAPI, error) {
		return fake, nil
	}, testOptions())
	return worker, store
}
