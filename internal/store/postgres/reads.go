package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

type scanner interface {
	Scan(dest ...any) error
}

const tankColumns = `id, station_id, product_id, name, capacity, current_stock, minimum_level, status, active, version, created_at, updated_at`

func scanTank(row scanner) (domain.Tank, error) {
	var t domain.Tank
	err := row.Scan(&t.ID, &t.StationID, &t.ProductID, &t.Name, &t.Capacity, &t.CurrentStock, &t.MinimumLevel, &t.Status, &t.Active, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, err
}

func loadTank(ctx context.Context, q querier, scope domain.Scope, id string, forUpdate bool) (*domain.Tank, error) {
	query := `SELECT ` + tankColumns + ` FROM tanks WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	tank, err := scanTank(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("tank %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	if err := store.Authorize(scope, tank.StationID); err != nil {
		return nil, err
	}
	return &tank, nil
}

func (s *Store) GetTank(ctx context.Context, scope domain.Scope, id string) (*domain.Tank, error) {
	return loadTank(ctx, s.db, scope, id, false)
}

func (s *Store) ListTanks(ctx context.Context, scope domain.Scope, stationID string) ([]domain.Tank, error) {
	if err := store.Authorize(scope, stationID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+tankColumns+` FROM tanks WHERE station_id = $1 ORDER BY name`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tanks := make([]domain.Tank, 0, 8)
	for rows.Next() {
		tank, err := scanTank(rows)
		if err != nil {
			return nil, err
		}
		tanks = append(tanks, tank)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tanks, nil
}

func (s *Store) ListMovements(ctx context.Context, scope domain.Scope, tankID string, before *store.MovementCursor, limit int) ([]domain.StockMovement, error) {
	if _, err := loadTank(ctx, s.db, scope, tankID, false); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, tank_id, station_id, movement_type, quantity, previous_stock, new_stock,
			reference_type, COALESCE(reference_id, ''), COALESCE(notes, ''), COALESCE(created_by, ''), created_at
		FROM stock_movements
		WHERE tank_id = $1`
	args := []any{tankID}
	if before != nil {
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, before.CreatedAt, before.ID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.StockMovement, 0, limit)
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.TankID, &m.StationID, &m.MovementType, &m.Quantity, &m.PreviousStock, &m.NewStock,
			&m.ReferenceType, &m.ReferenceID, &m.Notes, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.CreatedAt = m.CreatedAt.UTC()
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return movements, nil
}

const saleColumns = `id, invoice_number, station_id, COALESCE(customer_id, ''), COALESCE(user_id, ''), transaction_date,
	payment_method, subtotal, tax_amount, total_amount, paid_amount, outstanding_amount, created_at`

func scanSale(row scanner) (domain.SalesTransaction, error) {
	var sale domain.SalesTransaction
	err := row.Scan(&sale.ID, &sale.InvoiceNumber, &sale.StationID, &sale.CustomerID, &sale.UserID, &sale.TransactionDate,
		&sale.PaymentMethod, &sale.Subtotal, &sale.TaxAmount, &sale.TotalAmount, &sale.PaidAmount, &sale.OutstandingAmount, &sale.CreatedAt)
	sale.TransactionDate = sale.TransactionDate.UTC()
	sale.CreatedAt = sale.CreatedAt.UTC()
	return sale, err
}

func loadSale(ctx context.Context, q querier, scope domain.Scope, id string, forUpdate bool) (*domain.SalesTransaction, error) {
	query := `SELECT ` + saleColumns + ` FROM sales_transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	sale, err := scanSale(q.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	if err := store.Authorize(scope, sale.StationID); err != nil {
		return nil, err
	}

	items, err := loadSaleItems(ctx, q, []string{sale.ID})
	if err != nil {
		return nil, err
	}
	sale.Items = items[sale.ID]
	return &sale, nil
}

func loadSaleItems(ctx context.Context, q querier, ids []string) (map[string][]domain.SalesTransactionItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, transaction_id, product_id, COALESCE(tank_id, ''), quantity, unit_price, total_price
		FROM sales_transaction_items
		WHERE transaction_id = ANY($1)
		ORDER BY transaction_id, id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.SalesTransactionItem, len(ids))
	for rows.Next() {
		var item domain.SalesTransactionItem
		if err := rows.Scan(&item.ID, &item.TransactionID, &item.ProductID, &item.TankID, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		items[item.TransactionID] = append(items[item.TransactionID], item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetSale(ctx context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error) {
	return loadSale(ctx, s.db, scope, id, false)
}

// rangeArgs binds an open bound as NULL so one query serves every range.
func rangeArgs(r store.ReportRange) (any, any) {
	var from, to any
	if !r.From.IsZero() {
		from = r.From
	}
	if !r.To.IsZero() {
		to = r.To
	}
	return from, to
}

const inRange = `($2::timestamptz IS NULL OR transaction_date >= $2) AND ($3::timestamptz IS NULL OR transaction_date < $3)`

func (s *Store) ListSales(ctx context.Context, scope domain.Scope, r store.ReportRange, limit int) ([]domain.SalesTransaction, error) {
	if err := store.Authorize(scope, r.StationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	from, to := rangeArgs(r)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+saleColumns+`
		FROM sales_transactions
		WHERE station_id = $1 AND `+inRange+`
		ORDER BY transaction_date DESC, id DESC
		LIMIT $4
	`, r.StationID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.SalesTransaction, 0, limit)
	ids := make([]string, 0, limit)
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, err
		}
		sales = append(sales, sale)
		ids = append(ids, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return sales, nil
	}

	items, err := loadSaleItems(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range sales {
		sales[i].Items = items[sales[i].ID]
	}
	return sales, nil
}

const purchaseOrderColumns = `id, order_number, station_id, supplier_id, COALESCE(user_id, ''), order_date, payment_method, status,
	subtotal, tax_amount, total_amount, paid_amount, outstanding_amount, received_at, COALESCE(received_by, ''), created_at`

func loadPurchaseOrder(ctx context.Context, q querier, scope domain.Scope, id string, forUpdate bool) (*domain.PurchaseOrder, error) {
	query := `SELECT ` + purchaseOrderColumns + ` FROM purchase_orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var po domain.PurchaseOrder
	var receivedAt sql.NullTime
	err := q.QueryRowContext(ctx, query, id).Scan(&po.ID, &po.OrderNumber, &po.StationID, &po.SupplierID, &po.UserID, &po.OrderDate,
		&po.PaymentMethod, &po.Status, &po.Subtotal, &po.TaxAmount, &po.TotalAmount, &po.PaidAmount, &po.OutstandingAmount,
		&receivedAt, &po.ReceivedBy, &po.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("purchase order %s: %w", id, store.ErrNotFound)
		}
		return nil, err
	}
	if err := store.Authorize(scope, po.StationID); err != nil {
		return nil, err
	}
	po.OrderDate = po.OrderDate.UTC()
	po.CreatedAt = po.CreatedAt.UTC()
	if receivedAt.Valid {
		at := receivedAt.Time.UTC()
		po.ReceivedAt = &at
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, purchase_order_id, product_id, COALESCE(tank_id, ''), quantity, unit_price, total_price
		FROM purchase_order_items
		WHERE purchase_order_id = $1
		ORDER BY id
	`, po.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var item domain.PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.PurchaseOrderID, &item.ProductID, &item.TankID, &item.Quantity, &item.UnitPrice, &item.TotalPrice); err != nil {
			return nil, err
		}
		po.Items = append(po.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &po, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, scope domain.Scope, id string) (*domain.PurchaseOrder, error) {
	return loadPurchaseOrder(ctx, s.db, scope, id, false)
}

const counterpartyColumns = `id, station_id, name, COALESCE(phone, ''), credit_limit, outstanding_amount, version, created_at, updated_at`

func scanCounterparty(row scanner) (domain.Counterparty, error) {
	var cp domain.Counterparty
	err := row.Scan(&cp.ID, &cp.StationID, &cp.Name, &cp.Phone, &cp.CreditLimit, &cp.OutstandingAmount, &cp.Version, &cp.CreatedAt, &cp.UpdatedAt)
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return cp, err
}

func loadCounterparty(ctx context.Context, q querier, scope domain.Scope, party domain.Party, forUpdate bool) (*domain.Counterparty, error) {
	table, err := counterpartyTable(party.Kind)
	if err != nil {
		return nil, err
	}
	query := `SELECT ` + counterpartyColumns + ` FROM ` + table + ` WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	cp, err := scanCounterparty(q.QueryRowContext(ctx, query, party.ID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s %s: %w", party.Kind, party.ID, store.ErrNotFound)
		}
		return nil, err
	}
	if err := store.Authorize(scope, cp.StationID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) GetCounterparty(ctx context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error) {
	return loadCounterparty(ctx, s.db, scope, party, false)
}

func (s *Store) ListCounterparties(ctx context.Context, scope domain.Scope, kind string, stationID string) ([]domain.Counterparty, error) {
	if err := store.Authorize(scope, stationID); err != nil {
		return nil, err
	}
	table, err := counterpartyTable(kind)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+counterpartyColumns+` FROM `+table+` WHERE station_id = $1 ORDER BY name`, stationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make([]domain.Counterparty, 0, 16)
	for rows.Next() {
		cp, err := scanCounterparty(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) ListPayments(ctx context.Context, scope domain.Scope, party domain.Party) ([]domain.Payment, error) {
	if _, err := loadCounterparty(ctx, s.db, scope, party, false); err != nil {
		return nil, err
	}
	column := "customer_id"
	if party.Kind == domain.PartySupplier {
		column = "supplier_id"
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, COALESCE(customer_id, ''), COALESCE(supplier_id, ''), amount, payment_method,
			COALESCE(reference_number, ''), type, payment_date, COALESCE(created_by, '')
		FROM payments
		WHERE `+column+` = $1
		ORDER BY payment_date DESC, created_at DESC
	`, party.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	payments := make([]domain.Payment, 0, 16)
	index := map[string]int{}
	ids := make([]string, 0, 16)
	for rows.Next() {
		var p domain.Payment
		if err := rows.Scan(&p.ID, &p.StationID, &p.CustomerID, &p.SupplierID, &p.Amount, &p.PaymentMethod,
			&p.ReferenceNumber, &p.Type, &p.PaymentDate, &p.CreatedBy); err != nil {
			return nil, err
		}
		p.PaymentDate = p.PaymentDate.UTC()
		index[p.ID] = len(payments)
		ids = append(ids, p.ID)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return payments, nil
	}

	allocRows, err := s.db.QueryContext(ctx, `
		SELECT payment_id, document_type, document_id, amount
		FROM payment_allocations
		WHERE payment_id = ANY($1)
		ORDER BY payment_id
	`, ids)
	if err != nil {
		return nil, err
	}
	defer allocRows.Close()
	for allocRows.Next() {
		var a domain.PaymentAllocation
		if err := allocRows.Scan(&a.PaymentID, &a.DocumentType, &a.DocumentID, &a.Amount); err != nil {
			return nil, err
		}
		i := index[a.PaymentID]
		payments[i].Allocations = append(payments[i].Allocations, a)
	}
	if err := allocRows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func openDocuments(ctx context.Context, q querier, party domain.Party, forUpdate bool) ([]domain.OpenDocument, error) {
	var query string
	switch party.Kind {
	case domain.PartyCustomer:
		query = `
			SELECT 'sale', id, invoice_number, transaction_date, total_amount, paid_amount, outstanding_amount
			FROM sales_transactions
			WHERE customer_id = $1 AND payment_method = 'credit' AND outstanding_amount > 0
			ORDER BY transaction_date, id`
	case domain.PartySupplier:
		query = `
			SELECT 'purchase_order', id, order_number, order_date, total_amount, paid_amount, outstanding_amount
			FROM purchase_orders
			WHERE supplier_id = $1 AND status <> 'cancelled' AND outstanding_amount > 0
			ORDER BY order_date, id`
	default:
		return nil, store.Invalid("unknown party kind %q", party.Kind)
	}
	if forUpdate {
		query += ` FOR UPDATE`
	}

	rows, err := q.QueryContext(ctx, query, party.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs := make([]domain.OpenDocument, 0, 8)
	for rows.Next() {
		var d domain.OpenDocument
		if err := rows.Scan(&d.DocumentType, &d.DocumentID, &d.Number, &d.Date, &d.TotalAmount, &d.PaidAmount, &d.OutstandingAmount); err != nil {
			return nil, err
		}
		d.Date = d.Date.UTC()
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

func (s *Store) ListOpenDocuments(ctx context.Context, scope domain.Scope, party domain.Party) ([]domain.OpenDocument, error) {
	if _, err := loadCounterparty(ctx, s.db, scope, party, false); err != nil {
		return nil, err
	}
	return openDocuments(ctx, s.db, party, false)
}

func (s *Store) GetSalesReport(ctx context.Context, scope domain.Scope, r store.ReportRange) (domain.SalesReport, error) {
	if err := store.Authorize(scope, r.StationID); err != nil {
		return domain.SalesReport{}, err
	}
	from, to := rangeArgs(r)
	report := domain.SalesReport{StationID: r.StationID}

	err := s.db.QueryRowContext(ctx, `
		SELECT count(*), COALESCE(sum(subtotal), 0), COALESCE(sum(tax_amount), 0),
			COALESCE(sum(total_amount), 0), COALESCE(sum(outstanding_amount), 0)
		FROM sales_transactions
		WHERE station_id = $1 AND `+inRange,
		r.StationID, from, to,
	).Scan(&report.Transactions, &report.Subtotal, &report.TaxAmount, &report.TotalAmount, &report.Outstanding)
	if err != nil {
		return domain.SalesReport{}, err
	}

	paymentRows, err := s.db.QueryContext(ctx, `
		SELECT payment_method, count(*), COALESCE(sum(total_amount), 0)
		FROM sales_transactions
		WHERE station_id = $1 AND `+inRange+`
		GROUP BY payment_method
		ORDER BY payment_method
	`, r.StationID, from, to)
	if err != nil {
		return domain.SalesReport{}, err
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var p domain.SalesReportPayment
		if err := paymentRows.Scan(&p.PaymentMethod, &p.Transactions, &p.TotalAmount); err != nil {
			return domain.SalesReport{}, err
		}
		report.ByPayment = append(report.ByPayment, p)
	}
	if err := paymentRows.Err(); err != nil {
		return domain.SalesReport{}, err
	}

	productRows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, COALESCE(sum(i.quantity), 0), COALESCE(sum(i.total_price), 0)
		FROM sales_transaction_items i
		JOIN sales_transactions st ON st.id = i.transaction_id
		WHERE st.station_id = $1 AND `+strings.ReplaceAll(inRange, "transaction_date", "st.transaction_date")+`
		GROUP BY i.product_id
		ORDER BY i.product_id
	`, r.StationID, from, to)
	if err != nil {
		return domain.SalesReport{}, err
	}
	defer productRows.Close()
	for productRows.Next() {
		var p domain.SalesReportProduct
		if err := productRows.Scan(&p.ProductID, &p.Quantity, &p.TotalAmount); err != nil {
			return domain.SalesReport{}, err
		}
		report.ByProduct = append(report.ByProduct, p)
	}
	if err := productRows.Err(); err != nil {
		return domain.SalesReport{}, err
	}
	return report, nil
}

func insertAuditLog(ctx context.Context, q querier, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO audit_logs (id, station_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.StationID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	return insertAuditLog(ctx, s.db, entry)
}

func (s *Store) ListAuditLogs(ctx context.Context, scope domain.Scope, stationID string, limit int) ([]domain.AuditLog, error) {
	if err := store.Authorize(scope, stationID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, station_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE station_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, stationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.StationID, &entry.ActorUsername, &entry.ActorRole, &entry.Action,
			&entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Invalid("username and password required")
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, station_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.StationID, true, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.Invalid("username %s already exists", user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, station_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.StationID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("username and password required")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
