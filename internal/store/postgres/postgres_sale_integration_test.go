package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/balance"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/sales"
	"fuelpos/backend/internal/stock"
	"fuelpos/backend/internal/store"
)

// integrationStation opens the test database and seeds one station with a
// diesel tank and a customer. Rows are removed when the test ends.
func integrationStation(t *testing.T, tankStock int64, customerOpening int64) (*Store, domain.Scope, string, string) {
	t.Helper()
	databaseURL := os.Getenv("FUELPOS_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("set FUELPOS_TEST_DATABASE_URL to run postgres integration test")
	}

	ctx := context.Background()
	s, err := New(ctx, databaseURL)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = s.Close()
	})
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	stamp := time.Now().UnixNano()
	stationID := fmt.Sprintf("st-it-%d", stamp)
	tankID := fmt.Sprintf("tank-it-%d", stamp)
	customerID := fmt.Sprintf("cust-it-%d", stamp)
	scope := domain.Scope{Role: domain.RoleManager, StationID: stationID}

	t.Cleanup(func() {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payment_allocations WHERE payment_id IN (SELECT id FROM payments WHERE station_id = $1)`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM payments WHERE station_id = $1`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales_transaction_items WHERE transaction_id IN (SELECT id FROM sales_transactions WHERE station_id = $1)`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM sales_transactions WHERE station_id = $1`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM stock_movements WHERE station_id = $1`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE station_id = $1`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM tanks WHERE station_id = $1`, stationID)
		_, _ = s.db.ExecContext(ctx, `DELETE FROM customers WHERE station_id = $1`, stationID)
	})

	err = s.WithinTx(ctx, func(tx store.Tx) error {
		level, minimum, capacity := decimal.NewFromInt(tankStock), decimal.NewFromInt(500), decimal.NewFromInt(2000)
		if _, err := tx.CreateTank(ctx, scope, domain.Tank{
			ID: tankID, StationID: stationID, ProductID: "diesel", Name: "IT diesel",
			Capacity: capacity, CurrentStock: level, MinimumLevel: minimum,
			Status: domain.TankStatusOf(level, capacity, minimum), Active: true,
		}); err != nil {
			return err
		}
		_, err := tx.CreateCounterparty(ctx, scope, domain.PartyCustomer, domain.Counterparty{
			ID: customerID, StationID: stationID, Name: "IT fleet", OutstandingAmount: decimal.NewFromInt(customerOpening),
		})
		return err
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s, scope, tankID, customerID
}

func dieselSale(method string, customerID string, tankID string, liters int64, price int64) domain.SaleCreateRequest {
	qty, unit := decimal.NewFromInt(liters), decimal.NewFromInt(price)
	return domain.SaleCreateRequest{
		CustomerID:    customerID,
		PaymentMethod: method,
		Subtotal:      qty.Mul(unit),
		TotalAmount:   qty.Mul(unit),
		Items:         []domain.SaleItemRequest{{ProductID: "diesel", TankID: tankID, Quantity: qty, UnitPrice: unit, TotalPrice: qty.Mul(unit)}},
		UserID:        "it",
	}
}

func TestDeleteCreditSaleRestocksAndClearsReceivable(t *testing.T) {
	s, scope, tankID, customerID := integrationStation(t, 1000, 500)
	ctx := context.Background()
	stationID := scope.StationID

	balances := balance.NewService(s)
	orchestrator := sales.NewOrchestrator(s, stock.NewEngine(s), balances)
	sale, err := orchestrator.CreateSale(ctx, scope, dieselSale(domain.PaymentCredit, customerID, tankID, 100, 10))
	if err != nil {
		t.Fatalf("create sale: %v", err)
	}

	if _, err := balances.ApplyPayment(ctx, scope, domain.PaymentRequest{CustomerID: customerID, Amount: decimal.NewFromInt(400), PaymentMethod: "cash"}); err != nil {
		t.Fatalf("apply payment: %v", err)
	}

	if err := orchestrator.DeleteSale(ctx, scope, sale.ID, domain.SaleDeleteRequest{Reason: "integration test", DeletedBy: "it"}); err != nil {
		t.Fatalf("delete sale: %v", err)
	}

	tank, err := s.GetTank(ctx, scope, tankID)
	if err != nil {
		t.Fatalf("get tank: %v", err)
	}
	if !tank.CurrentStock.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected stock 1000 after delete, got %s", tank.CurrentStock)
	}

	customer, err := s.GetCounterparty(ctx, scope, domain.CustomerParty(customerID))
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	if !customer.OutstandingAmount.Equal(decimal.NewFromInt(500)) {
		t.Fatalf("expected outstanding 500 after delete, got %s", customer.OutstandingAmount)
	}

	logs, err := s.ListAuditLogs(ctx, scope, stationID, 10)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].Action != "sale_delete" {
		t.Fatalf("expected one sale_delete audit row, got %+v", logs)
	}
}

func TestConcurrentSalesDrawOneTankOnce(t *testing.T) {
	s, scope, tankID, _ := integrationStation(t, 1000, 0)
	ctx := context.Background()
	orchestrator := sales.NewOrchestrator(s, stock.NewEngine(s), balance.NewService(s))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = orchestrator.CreateSale(ctx, scope, dieselSale(domain.PaymentCash, "", tankID, 600, 1))
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("expected insufficient stock, got %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("expected exactly one sale to succeed, got %d", succeeded)
	}

	tank, err := s.GetTank(ctx, scope, tankID)
	if err != nil {
		t.Fatalf("get tank: %v", err)
	}
	if !tank.CurrentStock.Equal(decimal.NewFromInt(400)) || tank.Status != domain.TankStatusCritical {
		t.Fatalf("expected 400 critical, got %s %s", tank.CurrentStock, tank.Status)
	}
}

func TestConcurrentCreditSalesPaymentsAndDeletesKeepBalance(t *testing.T) {
	s, scope, tankID, customerID := integrationStation(t, 2000, 10000)
	ctx := context.Background()
	balances := balance.NewService(s)
	orchestrator := sales.NewOrchestrator(s, stock.NewEngine(s), balances)

	doomed, err := orchestrator.CreateSale(ctx, scope, dieselSale(domain.PaymentCredit, customerID, tankID, 100, 10))
	if err != nil {
		t.Fatalf("seed sale: %v", err)
	}

	const rounds = 5
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds+1)
	for range rounds {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := orchestrator.CreateSale(ctx, scope, dieselSale(domain.PaymentCredit, customerID, tankID, 10, 10))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := balances.ApplyPayment(ctx, scope, domain.PaymentRequest{CustomerID: customerID, Amount: decimal.NewFromInt(50), PaymentMethod: "cash"})
			errs <- err
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		errs <- orchestrator.DeleteSale(ctx, scope, doomed.ID, domain.SaleDeleteRequest{Reason: "race", DeletedBy: "it"})
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent unit of work failed: %v", err)
		}
	}

	customer, err := s.GetCounterparty(ctx, scope, domain.CustomerParty(customerID))
	if err != nil {
		t.Fatalf("get customer: %v", err)
	}
	tank, err := s.GetTank(ctx, scope, tankID)
	if err != nil {
		t.Fatalf("get tank: %v", err)
	}
	docs, err := s.ListOpenDocuments(ctx, scope, domain.CustomerParty(customerID))
	if err != nil {
		t.Fatalf("list open documents: %v", err)
	}

	open := decimal.Zero
	for _, doc := range docs {
		open = open.Add(doc.OutstandingAmount)
	}
	if open.GreaterThan(customer.OutstandingAmount) {
		t.Fatalf("open documents %s exceed outstanding %s", open, customer.OutstandingAmount)
	}
	if !tank.CurrentStock.Equal(decimal.NewFromInt(2000 - rounds*10)) {
		t.Fatalf("expected stock %d, got %s", 2000-rounds*10, tank.CurrentStock)
	}
	// Payments settled before the delete stay booked, so the balance lands
	// between the fully unpaid and fully paid outcomes for the deleted sale.
	low := decimal.NewFromInt(10000 + rounds*10*10 - rounds*50)
	high := low.Add(decimal.NewFromInt(rounds * 50))
	if customer.OutstandingAmount.LessThan(low) || customer.OutstandingAmount.GreaterThan(high) {
		t.Fatalf("outstanding %s outside [%s, %s]", customer.OutstandingAmount, low, high)
	}
}
