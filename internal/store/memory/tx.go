package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

// memTx records an undo step for every write so a failed unit can be
// unwound in reverse order. The store write lock is held by WithinTx.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) record(fn func()) {
	t.undo = append(t.undo, fn)
}

func (t *memTx) CreateTank(_ context.Context, scope domain.Scope, tank domain.Tank) (*domain.Tank, error) {
	if err := store.Authorize(scope, tank.StationID); err != nil {
		return nil, err
	}
	if !tank.Capacity.IsPositive() {
		return nil, store.Invalid("tank %s capacity must be positive", tank.ID)
	}
	if _, exists := t.s.tanks[tank.ID]; exists {
		return nil, store.Invalid("tank %s already exists", tank.ID)
	}
	t.s.tanks[tank.ID] = tank
	t.record(func() { delete(t.s.tanks, tank.ID) })
	return &tank, nil
}

func (t *memTx) LockTank(_ context.Context, scope domain.Scope, id string) (*domain.Tank, error) {
	return t.s.tankFor(scope, id)
}

func (t *memTx) UpdateTankStock(_ context.Context, tank domain.Tank) error {
	current, ok := t.s.tanks[tank.ID]
	if !ok {
		return fmt.Errorf("tank %s: %w", tank.ID, store.ErrNotFound)
	}
	if current.Version != tank.Version {
		return fmt.Errorf("tank %s: %w", tank.ID, store.ErrConcurrencyConflict)
	}
	next := current
	next.CurrentStock = tank.CurrentStock
	next.Status = tank.Status
	next.UpdatedAt = tank.UpdatedAt
	next.Version = current.Version + 1
	t.s.tanks[tank.ID] = next
	t.record(func() { t.s.tanks[tank.ID] = current })
	return nil
}

func (t *memTx) InsertMovement(_ context.Context, movement domain.StockMovement) error {
	history := t.s.movements[movement.TankID]
	t.s.movements[movement.TankID] = append(history, movement)
	t.record(func() { t.s.movements[movement.TankID] = history })
	return nil
}

func (t *memTx) InsertSale(_ context.Context, scope domain.Scope, sale domain.SalesTransaction) error {
	if err := store.Authorize(scope, sale.StationID); err != nil {
		return err
	}
	if _, exists := t.s.sales[sale.ID]; exists {
		return store.Invalid("sale %s already exists", sale.ID)
	}
	if _, exists := t.s.invoiceNumbers[sale.InvoiceNumber]; exists {
		return store.Invalid("invoice number %s already exists", sale.InvoiceNumber)
	}
	sale.Items = nil
	t.s.sales[sale.ID] = sale
	t.s.invoiceNumbers[sale.InvoiceNumber] = sale.ID
	t.record(func() {
		delete(t.s.sales, sale.ID)
		delete(t.s.invoiceNumbers, sale.InvoiceNumber)
	})
	return nil
}

func (t *memTx) InsertSaleItem(_ context.Context, item domain.SalesTransactionItem) error {
	sale, ok := t.s.sales[item.TransactionID]
	if !ok {
		return fmt.Errorf("sale %s: %w", item.TransactionID, store.ErrNotFound)
	}
	prev := sale
	sale.Items = append(slices.Clone(sale.Items), item)
	t.s.sales[sale.ID] = sale
	t.record(func() { t.s.sales[prev.ID] = prev })
	return nil
}

func (t *memTx) LockSale(_ context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error) {
	return t.s.saleFor(scope, id)
}

func (t *memTx) DeleteSale(_ context.Context, id string) error {
	sale, ok := t.s.sales[id]
	if !ok {
		return fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	delete(t.s.sales, id)
	delete(t.s.invoiceNumbers, sale.InvoiceNumber)
	t.record(func() {
		t.s.sales[id] = sale
		t.s.invoiceNumbers[sale.InvoiceNumber] = id
	})
	return nil
}

func (t *memTx) InsertPurchaseOrder(_ context.Context, scope domain.Scope, po domain.PurchaseOrder) error {
	if err := store.Authorize(scope, po.StationID); err != nil {
		return err
	}
	if _, exists := t.s.purchaseOrders[po.ID]; exists {
		return store.Invalid("purchase order %s already exists", po.ID)
	}
	if _, exists := t.s.orderNumbers[po.OrderNumber]; exists {
		return store.Invalid("order number %s already exists", po.OrderNumber)
	}
	po.Items = nil
	t.s.purchaseOrders[po.ID] = po
	t.s.orderNumbers[po.OrderNumber] = po.ID
	t.record(func() {
		delete(t.s.purchaseOrders, po.ID)
		delete(t.s.orderNumbers, po.OrderNumber)
	})
	return nil
}

func (t *memTx) InsertPurchaseOrderItem(_ context.Context, item domain.PurchaseOrderItem) error {
	po, ok := t.s.purchaseOrders[item.PurchaseOrderID]
	if !ok {
		return fmt.Errorf("purchase order %s: %w", item.PurchaseOrderID, store.ErrNotFound)
	}
	prev := po
	po.Items = append(slices.Clone(po.Items), item)
	t.s.purchaseOrders[po.ID] = po
	t.record(func() { t.s.purchaseOrders[prev.ID] = prev })
	return nil
}

func (t *memTx) LockPurchaseOrder(_ context.Context, scope domain.Scope, id string) (*domain.PurchaseOrder, error) {
	return t.s.purchaseOrderFor(scope, id)
}

func (t *memTx) MarkPurchaseOrderReceived(_ context.Context, id string, receivedBy string, at time.Time) error {
	po, ok := t.s.purchaseOrders[id]
	if !ok {
		return fmt.Errorf("purchase order %s: %w", id, store.ErrNotFound)
	}
	prev := po
	po.Status = domain.POStatusReceived
	po.ReceivedBy = receivedBy
	po.ReceivedAt = &at
	t.s.purchaseOrders[id] = po
	t.record(func() { t.s.purchaseOrders[id] = prev })
	return nil
}

func (t *memTx) CreateCounterparty(_ context.Context, scope domain.Scope, kind string, cp domain.Counterparty) (*domain.Counterparty, error) {
	if err := store.Authorize(scope, cp.StationID); err != nil {
		return nil, err
	}
	book, err := t.s.book(kind)
	if err != nil {
		return nil, err
	}
	if _, exists := book[cp.ID]; exists {
		return nil, store.Invalid("%s %s already exists", kind, cp.ID)
	}
	book[cp.ID] = cp
	t.record(func() { delete(book, cp.ID) })
	return &cp, nil
}

func (t *memTx) LockCounterparty(_ context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error) {
	return t.s.counterpartyFor(scope, party)
}

func (t *memTx) UpdateOutstanding(_ context.Context, party domain.Party, outstanding decimal.Decimal, version int64) error {
	book, err := t.s.book(party.Kind)
	if err != nil {
		return err
	}
	current, ok := book[party.ID]
	if !ok {
		return fmt.Errorf("%s %s: %w", party.Kind, party.ID, store.ErrNotFound)
	}
	if current.Version != version {
		return fmt.Errorf("%s %s: %w", party.Kind, party.ID, store.ErrConcurrencyConflict)
	}
	next := current
	next.OutstandingAmount = outstanding
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now().UTC()
	book[party.ID] = next
	t.record(func() { book[party.ID] = current })
	return nil
}

func (t *memTx) LockOpenDocuments(_ context.Context, party domain.Party) ([]domain.OpenDocument, error) {
	return t.s.openDocuments(party), nil
}

func (t *memTx) SettleDocument(_ context.Context, documentType string, documentID string, paid decimal.Decimal, outstanding decimal.Decimal) error {
	switch documentType {
	case domain.DocumentSale:
		sale, ok := t.s.sales[documentID]
		if !ok {
			return fmt.Errorf("sale %s: %w", documentID, store.ErrNotFound)
		}
		prev := sale
		sale.PaidAmount = paid
		sale.OutstandingAmount = outstanding
		t.s.sales[documentID] = sale
		t.record(func() { t.s.sales[documentID] = prev })
	case domain.DocumentPurchaseOrder:
		po, ok := t.s.purchaseOrders[documentID]
		if !ok {
			return fmt.Errorf("purchase order %s: %w", documentID, store.ErrNotFound)
		}
		prev := po
		po.PaidAmount = paid
		po.OutstandingAmount = outstanding
		t.s.purchaseOrders[documentID] = po
		t.record(func() { t.s.purchaseOrders[documentID] = prev })
	default:
		return store.Invalid("unknown document type %q", documentType)
	}
	return nil
}

func (t *memTx) InsertPayment(_ context.Context, payment domain.Payment) error {
	payment.Allocations = nil
	prev := t.s.payments
	t.s.payments = append(t.s.payments, payment)
	t.record(func() { t.s.payments = prev })
	return nil
}

func (t *memTx) InsertAllocation(_ context.Context, allocation domain.PaymentAllocation) error {
	prev := t.s.allocations
	t.s.allocations = append(t.s.allocations, allocation)
	t.record(func() { t.s.allocations = prev })
	return nil
}

func (t *memTx) DeleteAllocations(_ context.Context, documentType string, documentID string) error {
	prev := t.s.allocations
	kept := make([]domain.PaymentAllocation, 0, len(prev))
	for _, allocation := range prev {
		if allocation.DocumentType == documentType && allocation.DocumentID == documentID {
			continue
		}
		kept = append(kept, allocation)
	}
	t.s.allocations = kept
	t.record(func() { t.s.allocations = prev })
	return nil
}

func (t *memTx) InsertAuditLog(_ context.Context, entry domain.AuditLog) error {
	prev := t.s.auditLogs
	t.s.auditLogs = append(t.s.auditLogs, normalizeAudit(entry))
	t.record(func() { t.s.auditLogs = prev })
	return nil
}
