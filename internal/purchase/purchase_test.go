package purchase

import (
	"context"
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

var manager = domain.Scope{Role: domain.RoleManager, StationID: "station-01"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newService() (*Service, *memory.Store) {
	repo := memory.NewSeeded("station-01")
	return NewService(repo, stock.NewEngine(repo), balance.NewService(repo)), repo
}

func delivery(qty string, price string, method string) domain.PurchaseOrderCreateRequest {
	q, p := dec(qty), dec(price)
	total := q.Mul(p)
	return domain.PurchaseOrderCreateRequest{
		SupplierID:    "supp-depot-01",
		PaymentMethod: method,
		Subtotal:      total,
		TotalAmount:   total,
		Items:         []domain.SaleItemRequest{{ProductID: "diesel", TankID: "tank-diesel-01", Quantity: q, UnitPrice: p, TotalPrice: total}},
		UserID:        "manager",
	}
}

func TestCreditPurchaseOrderRaisesPayableAndReceives(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()

	po, err := svc.CreatePurchaseOrder(ctx, manager, delivery("5000", "6000", domain.PaymentCredit))
	require.NoError(t, err)
	assert.Equal(t, domain.POStatusPending, po.Status)
	assert.Contains(t, po.OrderNumber, "PO-STATION-01-")

	supplier, err := repo.GetCounterparty(ctx, manager, domain.SupplierParty("supp-depot-01"))
	require.NoError(t, err)
	assert.True(t, supplier.OutstandingAmount.Equal(dec("30000000")))

	tank, err := repo.GetTank(ctx, manager, "tank-diesel-01")
	require.NoError(t, err)
	assert.True(t, tank.CurrentStock.Equal(dec("12000")), "pending orders do not touch stock")

	received, err := svc.ReceivePurchaseOrder(ctx, manager, po.ID, domain.PurchaseOrderReceiveRequest{ReceivedBy: "manager"})
	require.NoError(t, err)
	assert.Equal(t, domain.POStatusReceived, received.Status)
	require.NotNil(t, received.ReceivedAt)

	tank, err = repo.GetTank(ctx, manager, "tank-diesel-01")
	require.NoError(t, err)
	assert.True(t, tank.CurrentStock.Equal(dec("17000")))

	_, err = svc.ReceivePurchaseOrder(ctx, manager, po.ID, domain.PurchaseOrderReceiveRequest{})
	assert.ErrorIs(t, err, store.ErrValidation, "already received")

	stored, err := svc.GetPurchaseOrder(ctx, manager, po.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.POStatusReceived, stored.Status)
	assert.Len(t, stored.Items, 1)
}

func TestReceiveNowRollsBackOnCapacity(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()

	req := delivery("9000", "6000", domain.PaymentCredit)
	req.ReceiveNow = true
	_, err := svc.CreatePurchaseOrder(ctx, manager, req)
	require.ErrorIs(t, err, store.ErrCapacityExceeded)

	supplier, err := repo.GetCounterparty(ctx, manager, domain.SupplierParty("supp-depot-01"))
	require.NoError(t, err)
	assert.True(t, supplier.OutstandingAmount.IsZero())

	docs, err := repo.ListOpenDocuments(ctx, manager, domain.SupplierParty("supp-depot-01"))
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestCashPurchaseOrderReceiveNow(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()

	req := delivery("1000", "6000", domain.PaymentCash)
	req.ReceiveNow = true
	po, err := svc.CreatePurchaseOrder(ctx, manager, req)
	require.NoError(t, err)
	assert.Equal(t, domain.POStatusReceived, po.Status)
	assert.True(t, po.PaidAmount.Equal(po.TotalAmount))

	supplier, err := repo.GetCounterparty(ctx, manager, domain.SupplierParty("supp-depot-01"))
	require.NoError(t, err)
	assert.True(t, supplier.OutstandingAmount.IsZero())
}

func TestSupplierPaymentSettlesOrder(t *testing.T) {
	svc, repo := newService()
	ctx := context.Background()

	po, err := svc.CreatePurchaseOrder(ctx, manager, delivery("100", "6000", domain.PaymentCredit))
	require.NoError(t, err)

	payment, err := balance.NewService(repo).ApplyPayment(ctx, manager, domain.PaymentRequest{SupplierID: "supp-depot-01", Amount: dec("600000"), PaymentMethod: "bank_transfer"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentTypePayable, payment.Type)
	require.Len(t, payment.Allocations, 1)
	assert.Equal(t, po.ID, payment.Allocations[0].DocumentID)

	stored, err := svc.GetPurchaseOrder(ctx, manager, po.ID)
	require.NoError(t, err)
	assert.True(t, stored.OutstandingAmount.IsZero())
}

func TestCreatePurchaseOrderValidation(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()

	req := delivery("100", "6000", domain.PaymentCredit)
	req.SupplierID = "supp-missing"
	_, err := svc.CreatePurchaseOrder(ctx, manager, req)
	assert.ErrorIs(t, err, store.ErrNotFound)

	req = delivery("100", "6000", domain.PaymentCredit)
	req.Items[0].TankID = "tank-pertamax-01"
	_, err = svc.CreatePurchaseOrder(ctx, manager, req)
	assert.ErrorIs(t, err, store.ErrValidation, "tank holds another product")

	req = delivery("100", "6000", domain.PaymentCredit)
	req.TotalAmount = dec("1")
	_, err = svc.CreatePurchaseOrder(ctx, manager, req)
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.CreatePurchaseOrder(ctx, domain.Scope{Role: domain.RoleManager, StationID: "station-02"}, delivery("1", "1", domain.PaymentCash))
	assert.ErrorIs(t, err, store.ErrAccessDenied)
}
