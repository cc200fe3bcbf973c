package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) CreateTank(ctx context.Context, scope domain.Scope, tank domain.Tank) (*domain.Tank, error) {
	if err := store.Authorize(scope, tank.StationID); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if tank.CreatedAt.IsZero() {
		tank.CreatedAt = now
	}
	tank.UpdatedAt = tank.CreatedAt

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO tanks (id, station_id, product_id, name, capacity, current_stock, minimum_level, status, active, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,$10,$11)
	`, tank.ID, tank.StationID, tank.ProductID, tank.Name, tank.Capacity, tank.CurrentStock, tank.MinimumLevel, tank.Status, tank.Active, tank.CreatedAt, tank.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Invalid("tank %s already exists", tank.ID)
		}
		return nil, err
	}
	tank.Version = 0
	return &tank, nil
}

func (t *pgTx) LockTank(ctx context.Context, scope domain.Scope, id string) (*domain.Tank, error) {
	return loadTank(ctx, t.tx, scope, id, true)
}

func (t *pgTx) UpdateTankStock(ctx context.Context, tank domain.Tank) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE tanks
		SET current_stock = $2, status = $3, updated_at = $4, version = version + 1
		WHERE id = $1 AND version = $5
	`, tank.ID, tank.CurrentStock, tank.Status, tank.UpdatedAt, tank.Version)
	if err != nil {
		return err
	}
	return expectOne(res, "tank", tank.ID)
}

func (t *pgTx) InsertMovement(ctx context.Context, m domain.StockMovement) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, tank_id, station_id, movement_type, quantity, previous_stock, new_stock,
			reference_type, reference_id, notes, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, m.ID, m.TankID, m.StationID, m.MovementType, m.Quantity, m.PreviousStock, m.NewStock,
		m.ReferenceType, nullIfEmpty(m.ReferenceID), nullIfEmpty(m.Notes), nullIfEmpty(m.CreatedBy), m.CreatedAt)
	return err
}

func (t *pgTx) InsertSale(ctx context.Context, scope domain.Scope, sale domain.SalesTransaction) error {
	if err := store.Authorize(scope, sale.StationID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales_transactions (id, invoice_number, station_id, customer_id, user_id, transaction_date, payment_method,
			subtotal, tax_amount, total_amount, paid_amount, outstanding_amount, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, sale.ID, sale.InvoiceNumber, sale.StationID, nullIfEmpty(sale.CustomerID), nullIfEmpty(sale.UserID), sale.TransactionDate, sale.PaymentMethod,
		sale.Subtotal, sale.TaxAmount, sale.TotalAmount, sale.PaidAmount, sale.OutstandingAmount, sale.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Invalid("invoice number %s already exists", sale.InvoiceNumber)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("customer %s: %w", sale.CustomerID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

func (t *pgTx) InsertSaleItem(ctx context.Context, item domain.SalesTransactionItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales_transaction_items (id, transaction_id, product_id, tank_id, quantity, unit_price, total_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.ID, item.TransactionID, item.ProductID, nullIfEmpty(item.TankID), item.Quantity, item.UnitPrice, item.TotalPrice)
	if err != nil && isForeignKeyViolation(err) {
		return fmt.Errorf("tank %s: %w", item.TankID, store.ErrNotFound)
	}
	return err
}

func (t *pgTx) LockSale(ctx context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error) {
	return loadSale(ctx, t.tx, scope, id, true)
}

func (t *pgTx) DeleteSale(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM sales_transaction_items WHERE transaction_id = $1`, id); err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `DELETE FROM sales_transactions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertPurchaseOrder(ctx context.Context, scope domain.Scope, po domain.PurchaseOrder) error {
	if err := store.Authorize(scope, po.StationID); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, order_number, station_id, supplier_id, user_id, order_date, payment_method, status,
			subtotal, tax_amount, total_amount, paid_amount, outstanding_amount, received_at, received_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`, po.ID, po.OrderNumber, po.StationID, po.SupplierID, nullIfEmpty(po.UserID), po.OrderDate, po.PaymentMethod, po.Status,
		po.Subtotal, po.TaxAmount, po.TotalAmount, po.PaidAmount, po.OutstandingAmount, nullTime(po.ReceivedAt), nullIfEmpty(po.ReceivedBy), po.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Invalid("order number %s already exists", po.OrderNumber)
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("supplier %s: %w", po.SupplierID, store.ErrNotFound)
		}
		return err
	}
	return nil
}

func (t *pgTx) InsertPurchaseOrderItem(ctx context.Context, item domain.PurchaseOrderItem) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO purchase_order_items (id, purchase_order_id, product_id, tank_id, quantity, unit_price, total_price)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, item.ID, item.PurchaseOrderID, item.ProductID, nullIfEmpty(item.TankID), item.Quantity, item.UnitPrice, item.TotalPrice)
	if err != nil && isForeignKeyViolation(err) {
		return fmt.Errorf("tank %s: %w", item.TankID, store.ErrNotFound)
	}
	return err
}

func (t *pgTx) LockPurchaseOrder(ctx context.Context, scope domain.Scope, id string) (*domain.PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, t.tx, scope, id, true)
}

func (t *pgTx) MarkPurchaseOrderReceived(ctx context.Context, id string, receivedBy string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE purchase_orders
		SET status = 'received', received_at = $2, received_by = $3
		WHERE id = $1 AND status = 'pending'
	`, id, at, nullIfEmpty(receivedBy))
	if err != nil {
		return err
	}
	return expectOne(res, "purchase order", id)
}

func (t *pgTx) CreateCounterparty(ctx context.Context, scope domain.Scope, kind string, cp domain.Counterparty) (*domain.Counterparty, error) {
	if err := store.Authorize(scope, cp.StationID); err != nil {
		return nil, err
	}
	table, err := counterpartyTable(kind)
	if err != nil {
		return nil, err
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO `+table+` (id, station_id, name, phone, credit_limit, outstanding_amount, version, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,$8)
	`, cp.ID, cp.StationID, cp.Name, nullIfEmpty(cp.Phone), cp.CreditLimit, cp.OutstandingAmount, cp.CreatedAt, cp.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.Invalid("%s %s already exists", kind, cp.ID)
		}
		return nil, err
	}
	cp.Version = 0
	return &cp, nil
}

func (t *pgTx) LockCounterparty(ctx context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error) {
	return loadCounterparty(ctx, t.tx, scope, party, true)
}

func (t *pgTx) UpdateOutstanding(ctx context.Context, party domain.Party, outstanding decimal.Decimal, version int64) error {
	table, err := counterpartyTable(party.Kind)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE `+table+`
		SET outstanding_amount = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3
	`, party.ID, outstanding, version)
	if err != nil {
		return err
	}
	return expectOne(res, party.Kind, party.ID)
}

func (t *pgTx) LockOpenDocuments(ctx context.Context, party domain.Party) ([]domain.OpenDocument, error) {
	return openDocuments(ctx, t.tx, party, true)
}

func (t *pgTx) SettleDocument(ctx context.Context, documentType string, documentID string, paid decimal.Decimal, outstanding decimal.Decimal) error {
	var table string
	switch documentType {
	case domain.DocumentSale:
		table = "sales_transactions"
	case domain.DocumentPurchaseOrder:
		table = "purchase_orders"
	default:
		return store.Invalid("unknown document type %q", documentType)
	}
	res, err := t.tx.ExecContext(ctx, `
		UPDATE `+table+`
		SET paid_amount = $2, outstanding_amount = $3
		WHERE id = $1
	`, documentID, paid, outstanding)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%s %s: %w", documentType, documentID, store.ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p domain.Payment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (id, station_id, customer_id, supplier_id, amount, payment_method, reference_number, type, payment_date, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
	`, p.ID, p.StationID, nullIfEmpty(p.CustomerID), nullIfEmpty(p.SupplierID), p.Amount, p.PaymentMethod,
		nullIfEmpty(p.ReferenceNumber), p.Type, p.PaymentDate, nullIfEmpty(p.CreatedBy))
	return err
}

func (t *pgTx) InsertAllocation(ctx context.Context, a domain.PaymentAllocation) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO payment_allocations (payment_id, document_type, document_id, amount)
		VALUES ($1,$2,$3,$4)
	`, a.PaymentID, a.DocumentType, a.DocumentID, a.Amount)
	return err
}

func (t *pgTx) DeleteAllocations(ctx context.Context, documentType string, documentID string) error {
	_, err := t.tx.ExecContext(ctx, `
		DELETE FROM payment_allocations
		WHERE document_type = $1 AND document_id = $2
	`, documentType, documentID)
	return err
}

func (t *pgTx) InsertAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, t.tx, entry)
}
