package sales

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelpos/backend/internal/balance"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/stock"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/store/memory"
)

var (
	cashier = domain.Scope{Role: domain.RoleCashier, StationID: "st-1"}
	manager = domain.Scope{Role: domain.RoleManager, StationID: "st-1"}
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	repo *memory.Store
	o    *Orchestrator
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	repo := memory.New()
	ctx := context.Background()
	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		for _, tank := range []domain.Tank{
			{ID: "tank-a", ProductID: "diesel", CurrentStock: dec("1000"), Capacity: dec("2000"), MinimumLevel: dec("500")},
			{ID: "tank-b", ProductID: "ron92", CurrentStock: dec("5"), Capacity: dec("2000"), MinimumLevel: dec("1")},
			{ID: "tank-c", ProductID: "ron90", CurrentStock: dec("800"), Capacity: dec("2000"), MinimumLevel: dec("1")},
		} {
			tank.StationID = "st-1"
			tank.Name = tank.ID
			tank.Active = true
			if _, err := tx.CreateTank(ctx, manager, tank); err != nil {
				return err
			}
		}
		_, err := tx.CreateCounterparty(ctx, manager, domain.PartyCustomer, domain.Counterparty{ID: "cust-1", StationID: "st-1", Name: "Fleet", OutstandingAmount: dec("500")})
		return err
	})
	require.NoError(t, err)
	return fixture{repo: repo, o: NewOrchestrator(repo, stock.NewEngine(repo), balance.NewService(repo))}
}

func (f fixture) stockOf(t *testing.T, id string) decimal.Decimal {
	t.Helper()
	tank, err := f.repo.GetTank(context.Background(), manager, id)
	require.NoError(t, err)
	return tank.CurrentStock
}

func (f fixture) outstanding(t *testing.T) decimal.Decimal {
	t.Helper()
	cp, err := f.repo.GetCounterparty(context.Background(), manager, domain.CustomerParty("cust-1"))
	require.NoError(t, err)
	return cp.OutstandingAmount
}

func line(tankID string, product string, qty string, price string) domain.SaleItemRequest {
	q, p := dec(qty), dec(price)
	return domain.SaleItemRequest{ProductID: product, TankID: tankID, Quantity: q, UnitPrice: p, TotalPrice: q.Mul(p)}
}

func saleOf(method string, items ...domain.SaleItemRequest) domain.SaleCreateRequest {
	subtotal := decimal.Zero
	for _, item := range items {
		subtotal = subtotal.Add(item.TotalPrice)
	}
	return domain.SaleCreateRequest{PaymentMethod: method, Subtotal: subtotal, TotalAmount: subtotal, Items: items, UserID: "cashier"}
}

func TestCreateCashSaleDrawsStock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sale, err := f.o.CreateSale(ctx, cashier, saleOf(domain.PaymentCash, line("tank-a", "diesel", "40", "6800")))
	require.NoError(t, err)
	assert.Equal(t, "st-1", sale.StationID)
	assert.Contains(t, sale.InvoiceNumber, "INV-ST-1-")
	assert.True(t, sale.PaidAmount.Equal(dec("272000")))
	assert.True(t, sale.OutstandingAmount.IsZero())
	assert.True(t, f.stockOf(t, "tank-a").Equal(dec("960")))

	page, err := f.o.stock.ListMovements(ctx, cashier, "tank-a", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Movements, 1)
	assert.Equal(t, sale.ID, page.Movements[0].ReferenceID)
	assert.Equal(t, domain.MovementOut, page.Movements[0].MovementType)

	stored, err := f.o.GetSale(ctx, cashier, sale.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Items, 1)
}

func TestCreateCreditSaleRaisesReceivable(t *testing.T) {
	f := newFixture(t)
	req := saleOf(domain.PaymentCredit, line("tank-a", "diesel", "10", "100"))
	req.CustomerID = "cust-1"

	sale, err := f.o.CreateSale(context.Background(), cashier, req)
	require.NoError(t, err)
	assert.True(t, sale.OutstandingAmount.Equal(dec("1000")))
	assert.True(t, f.outstanding(t).Equal(dec("1500")))
}

func TestCreateSaleIsAtomic(t *testing.T) {
	f := newFixture(t)
	req := saleOf(domain.PaymentCredit,
		line("tank-a", "diesel", "100", "10"),
		line("tank-b", "ron92", "6", "10"),
		line("tank-c", "ron90", "50", "10"),
	)
	req.CustomerID = "cust-1"

	_, err := f.o.CreateSale(context.Background(), cashier, req)
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	var stockErr *store.InsufficientStockError
	require.True(t, errors.As(err, &stockErr))
	assert.Equal(t, "tank-b", stockErr.TankID)

	assert.True(t, f.stockOf(t, "tank-a").Equal(dec("1000")))
	assert.True(t, f.stockOf(t, "tank-b").Equal(dec("5")))
	assert.True(t, f.stockOf(t, "tank-c").Equal(dec("800")))
	assert.True(t, f.outstanding(t).Equal(dec("500")))

	sales, err := f.o.ListSales(context.Background(), cashier, store.ReportRange{}, 0)
	require.NoError(t, err)
	assert.Empty(t, sales)
	page, err := f.o.stock.ListMovements(context.Background(), cashier, "tank-a", "", 10)
	require.NoError(t, err)
	assert.Empty(t, page.Movements)
}

func TestConcurrentSalesOnOneTank(t *testing.T) {
	f := newFixture(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.o.CreateSale(context.Background(), cashier, saleOf(domain.PaymentCash, line("tank-a", "diesel", "600", "1")))
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrInsufficientStock)
	}
	assert.Equal(t, 1, succeeded)

	tank, err := f.repo.GetTank(context.Background(), manager, "tank-a")
	require.NoError(t, err)
	assert.True(t, tank.CurrentStock.Equal(dec("400")))
	assert.Equal(t, domain.TankStatusCritical, tank.Status)
}

func TestCreateSaleValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.o.CreateSale(ctx, cashier, saleOf(domain.PaymentCredit, line("tank-a", "diesel", "1", "10")))
	assert.ErrorIs(t, err, store.ErrValidation, "credit without customer")

	req := saleOf(domain.PaymentCash, line("tank-a", "diesel", "1", "10"))
	req.Subtotal = dec("11")
	req.TotalAmount = dec("11")
	_, err = f.o.CreateSale(ctx, cashier, req)
	assert.ErrorIs(t, err, store.ErrValidation, "lines do not add up")

	_, err = f.o.CreateSale(ctx, cashier, saleOf(domain.PaymentCash, line("tank-a", "ron92", "1", "10")))
	assert.ErrorIs(t, err, store.ErrValidation, "wrong product for tank")

	_, err = f.o.CreateSale(ctx, domain.Scope{Role: domain.RoleCashier}, saleOf(domain.PaymentCash, line("", "oil", "1", "10")))
	assert.ErrorIs(t, err, store.ErrValidation, "no station")

	req = saleOf(domain.PaymentCash, line("tank-a", "diesel", "1", "10"))
	req.StationID = "st-2"
	_, err = f.o.CreateSale(ctx, cashier, req)
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	req = saleOf(domain.PaymentCash, line("tank-a", "diesel", "1", "10"))
	req.InvoiceNumber = "INV-1"
	_, err = f.o.CreateSale(ctx, cashier, req)
	require.NoError(t, err)
	_, err = f.o.CreateSale(ctx, cashier, req)
	assert.ErrorIs(t, err, store.ErrValidation, "duplicate invoice number")
	assert.True(t, f.stockOf(t, "tank-a").Equal(dec("999")))
}

func TestDeleteSaleReversesEffects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := saleOf(domain.PaymentCredit, line("tank-a", "diesel", "100", "10"))
	req.CustomerID = "cust-1"
	sale, err := f.o.CreateSale(ctx, cashier, req)
	require.NoError(t, err)

	payments := balance.NewService(f.repo)
	_, err = payments.ApplyPayment(ctx, cashier, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("400"), PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.True(t, f.outstanding(t).Equal(dec("1100")))

	err = f.o.DeleteSale(ctx, cashier, sale.ID, domain.SaleDeleteRequest{Reason: "wrong pump"})
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	err = f.o.DeleteSale(ctx, manager, sale.ID, domain.SaleDeleteRequest{})
	assert.ErrorIs(t, err, store.ErrValidation)

	err = f.o.DeleteSale(ctx, manager, sale.ID, domain.SaleDeleteRequest{Reason: "wrong pump", DeletedBy: "manager"})
	require.NoError(t, err)

	assert.True(t, f.stockOf(t, "tank-a").Equal(dec("1000")))
	assert.True(t, f.outstanding(t).Equal(dec("500")), "only the still open part of the sale is removed")

	_, err = f.o.GetSale(ctx, manager, sale.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	logs, err := f.repo.ListAuditLogs(ctx, manager, "st-1", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "sale_delete", logs[0].Action)
	assert.Equal(t, "manager", logs[0].ActorUsername)
	assert.Contains(t, logs[0].Detail, "wrong pump")

	page, err := f.o.stock.ListMovements(ctx, manager, "tank-a", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Movements, 2)
	assert.Equal(t, domain.MovementIn, page.Movements[0].MovementType)
}

func TestCreateSaleRejectsCustomerOfAnotherStation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := domain.Scope{Role: domain.RoleAdmin}
	err := f.repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := tx.CreateCounterparty(ctx, admin, domain.PartyCustomer, domain.Counterparty{ID: "cust-2", StationID: "st-2", Name: "Other"})
		return err
	})
	require.NoError(t, err)

	for _, method := range []string{domain.PaymentCredit, domain.PaymentCash} {
		req := saleOf(method, line("tank-a", "diesel", "10", "100"))
		req.StationID = "st-1"
		req.CustomerID = "cust-2"
		_, err := f.o.CreateSale(ctx, admin, req)
		assert.ErrorIs(t, err, store.ErrValidation, method)
	}

	assert.True(t, f.stockOf(t, "tank-a").Equal(dec("1000")))
	other, err := f.repo.GetCounterparty(ctx, admin, domain.CustomerParty("cust-2"))
	require.NoError(t, err)
	assert.True(t, other.OutstandingAmount.IsZero())
}

// lockRecorder notes the order in which a unit of work takes row locks.
type lockRecorder struct {
	*memory.Store
	mu    sync.Mutex
	locks []string
}

type recordingTx struct {
	store.Tx
	r *lockRecorder
}

func (r *lockRecorder) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(recordingTx{Tx: tx, r: r})
	})
}

func (r *lockRecorder) note(kind string) {
	r.mu.Lock()
	r.locks = append(r.locks, kind)
	r.mu.Unlock()
}

func (r *lockRecorder) take() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	locks := r.locks
	r.locks = nil
	return locks
}

func (t recordingTx) LockCounterparty(ctx context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error) {
	t.r.note("counterparty")
	return t.Tx.LockCounterparty(ctx, scope, party)
}

func (t recordingTx) LockSale(ctx context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error) {
	t.r.note("sale")
	return t.Tx.LockSale(ctx, scope, id)
}

func (t recordingTx) LockOpenDocuments(ctx context.Context, party domain.Party) ([]domain.OpenDocument, error) {
	t.r.note("sale")
	return t.Tx.LockOpenDocuments(ctx, party)
}

func (t recordingTx) LockTank(ctx context.Context, scope domain.Scope, id string) (*domain.Tank, error) {
	t.r.note("tank")
	return t.Tx.LockTank(ctx, scope, id)
}

// firstLocks keeps the first lock taken of each row kind.
func firstLocks(locks []string) []string {
	var kinds []string
	for _, kind := range locks {
		if !slices.Contains(kinds, kind) {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

func TestUnitsOfWorkLockCustomerBeforeDocumentsAndTanks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := &lockRecorder{Store: f.repo}
	o := NewOrchestrator(rec, stock.NewEngine(rec), balance.NewService(rec))
	payments := balance.NewService(rec)

	req := saleOf(domain.PaymentCredit, line("tank-a", "diesel", "10", "100"))
	req.CustomerID = "cust-1"
	sale, err := o.CreateSale(ctx, cashier, req)
	require.NoError(t, err)
	assert.Equal(t, []string{"counterparty", "tank"}, firstLocks(rec.take()))

	cash := saleOf(domain.PaymentCash, line("tank-a", "diesel", "1", "100"))
	cash.CustomerID = "cust-1"
	_, err = o.CreateSale(ctx, cashier, cash)
	require.NoError(t, err)
	assert.Equal(t, []string{"counterparty", "tank"}, firstLocks(rec.take()))

	_, err = payments.ApplyPayment(ctx, cashier, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("100"), PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.Equal(t, []string{"counterparty", "sale"}, firstLocks(rec.take()))

	err = o.DeleteSale(ctx, manager, sale.ID, domain.SaleDeleteRequest{Reason: "pump test", DeletedBy: "manager"})
	require.NoError(t, err)
	assert.Equal(t, []string{"counterparty", "sale", "tank"}, firstLocks(rec.take()))
}
