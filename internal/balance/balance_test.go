package balance

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/store/memory"
)

var manager = domain.Scope{Role: domain.RoleManager, StationID: "st-1"}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seedCustomer(t *testing.T, repo store.Repository, id string, opening string, limit string) {
	t.Helper()
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		_, err := tx.CreateCounterparty(context.Background(), manager, domain.PartyCustomer, domain.Counterparty{
			ID:                id,
			StationID:         "st-1",
			Name:              id,
			CreditLimit:       dec(limit),
			OutstandingAmount: dec(opening),
		})
		return err
	})
	require.NoError(t, err)
}

func seedCreditSale(t *testing.T, repo store.Repository, id string, customerID string, total string, at time.Time) {
	t.Helper()
	err := repo.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertSale(context.Background(), manager, domain.SalesTransaction{
			ID:                id,
			InvoiceNumber:     "INV-" + id,
			StationID:         "st-1",
			CustomerID:        customerID,
			TransactionDate:   at,
			PaymentMethod:     domain.PaymentCredit,
			Subtotal:          dec(total),
			TotalAmount:       dec(total),
			OutstandingAmount: dec(total),
		})
	})
	require.NoError(t, err)
}

func outstanding(t *testing.T, repo store.Repository, party domain.Party) decimal.Decimal {
	t.Helper()
	cp, err := repo.GetCounterparty(context.Background(), manager, party)
	require.NoError(t, err)
	return cp.OutstandingAmount
}

func TestBalanceLifecycle(t *testing.T) {
	repo := memory.New()
	seedCustomer(t, repo, "cust-1", "500", "0")
	svc := NewService(repo)
	ctx := context.Background()
	party := domain.CustomerParty("cust-1")

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := svc.IncreaseOutstandingTx(ctx, tx, manager, party, dec("1000"))
		return err
	})
	require.NoError(t, err)
	assert.True(t, outstanding(t, repo, party).Equal(dec("1500")))

	payment, err := svc.ApplyPayment(ctx, manager, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("1500"), PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentTypeReceivable, payment.Type)
	assert.Equal(t, "st-1", payment.StationID)
	assert.True(t, outstanding(t, repo, party).IsZero())

	_, err = svc.ApplyPayment(ctx, manager, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("1"), PaymentMethod: "cash"})
	assert.ErrorIs(t, err, store.ErrOverpayment)
	assert.True(t, outstanding(t, repo, party).IsZero())

	statement, err := svc.GetStatement(ctx, manager, party)
	require.NoError(t, err)
	require.Len(t, statement.Payments, 1)
	assert.True(t, statement.TotalPayments.Equal(dec("1500")))
	assert.True(t, statement.OutstandingAmount.IsZero())
}

func TestApplyPaymentAllocatesOldestDocumentFirst(t *testing.T) {
	repo := memory.New()
	seedCustomer(t, repo, "cust-1", "0", "0")
	svc := NewService(repo)
	ctx := context.Background()
	party := domain.CustomerParty("cust-1")

	day := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedCreditSale(t, repo, "sale-new", "cust-1", "300", day.AddDate(0, 0, 5))
	seedCreditSale(t, repo, "sale-old", "cust-1", "200", day)
	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := svc.IncreaseOutstandingTx(ctx, tx, manager, party, dec("500"))
		return err
	})
	require.NoError(t, err)

	payment, err := svc.ApplyPayment(ctx, manager, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("250"), PaymentMethod: "bank_transfer"})
	require.NoError(t, err)
	require.Len(t, payment.Allocations, 2)
	assert.Equal(t, "sale-old", payment.Allocations[0].DocumentID)
	assert.True(t, payment.Allocations[0].Amount.Equal(dec("200")))
	assert.Equal(t, "sale-new", payment.Allocations[1].DocumentID)
	assert.True(t, payment.Allocations[1].Amount.Equal(dec("50")))

	old, err := repo.GetSale(ctx, manager, "sale-old")
	require.NoError(t, err)
	assert.True(t, old.OutstandingAmount.IsZero())
	assert.True(t, old.PaidAmount.Equal(dec("200")))

	docs, err := repo.ListOpenDocuments(ctx, manager, party)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.True(t, docs[0].OutstandingAmount.Equal(dec("250")))
	assert.True(t, outstanding(t, repo, party).Equal(dec("250")))
}

func TestIncreaseOutstandingEnforcesCreditLimit(t *testing.T) {
	repo := memory.New()
	seedCustomer(t, repo, "cust-1", "900", "1000")
	svc := NewService(repo)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := svc.IncreaseOutstandingTx(ctx, tx, manager, domain.CustomerParty("cust-1"), dec("100.01"))
		return err
	})
	assert.ErrorIs(t, err, store.ErrValidation)
	assert.True(t, outstanding(t, repo, domain.CustomerParty("cust-1")).Equal(dec("900")))
}

func TestDecreaseOutstandingRefusesNegative(t *testing.T) {
	repo := memory.New()
	seedCustomer(t, repo, "cust-1", "10", "0")
	svc := NewService(repo)
	ctx := context.Background()

	err := repo.WithinTx(ctx, func(tx store.Tx) error {
		_, err := svc.DecreaseOutstandingTx(ctx, tx, manager, domain.CustomerParty("cust-1"), dec("10.5"))
		return err
	})
	assert.ErrorIs(t, err, store.ErrOverpayment)
}

func TestApplyPaymentValidation(t *testing.T) {
	repo := memory.New()
	seedCustomer(t, repo, "cust-1", "100", "0")
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.ApplyPayment(ctx, manager, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("0"), PaymentMethod: "cash"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.ApplyPayment(ctx, manager, domain.PaymentRequest{CustomerID: "cust-1", SupplierID: "supp-1", Amount: dec("5"), PaymentMethod: "cash"})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = svc.ApplyPayment(ctx, manager, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("0.005"), PaymentMethod: "cash"})
	assert.ErrorIs(t, err, store.ErrValidation, "sub-cent amount")
	assert.True(t, outstanding(t, repo, domain.CustomerParty("cust-1")).Equal(dec("100")))

	_, err = svc.ApplyPayment(ctx, domain.Scope{Role: domain.RoleCashier, StationID: "st-9"}, domain.PaymentRequest{CustomerID: "cust-1", Amount: dec("5"), PaymentMethod: "cash"})
	assert.ErrorIs(t, err, store.ErrAccessDenied)

	statement, err := svc.GetStatement(ctx, manager, domain.CustomerParty("cust-1"))
	require.NoError(t, err)
	assert.Empty(t, statement.Payments)
}
