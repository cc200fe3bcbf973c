package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/logging"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/xid"
)

// Store keeps the ledger in process. A unit of work holds the write lock for
// its whole duration, so units are fully serialised.
type Store struct {
	mu              sync.RWMutex
	tanks           map[string]domain.Tank
	movements       map[string][]domain.StockMovement
	sales           map[string]domain.SalesTransaction
	invoiceNumbers  map[string]string
	purchaseOrders  map[string]domain.PurchaseOrder
	orderNumbers    map[string]string
	customers       map[string]domain.Counterparty
	suppliers       map[string]domain.Counterparty
	payments        []domain.Payment
	allocations     []domain.PaymentAllocation
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		tanks:           make(map[string]domain.Tank),
		movements:       make(map[string][]domain.StockMovement),
		sales:           make(map[string]domain.SalesTransaction),
		invoiceNumbers:  make(map[string]string),
		purchaseOrders:  make(map[string]domain.PurchaseOrder),
		orderNumbers:    make(map[string]string),
		customers:       make(map[string]domain.Counterparty),
		suppliers:       make(map[string]domain.Counterparty),
		payments:        make([]domain.Payment, 0, 64),
		allocations:     make([]domain.PaymentAllocation, 0, 64),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and
// SEED_CASHIER_PASSWORD. If unset, dev defaults are used with a warning.
func seedUsers(stationID string) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	managerPwd := envOr("SEED_MANAGER_PASSWORD", "manager123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logging.Module("memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD, SEED_MANAGER_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
		station  string
	}{
		{"admin", adminPwd, domain.RoleAdmin, ""},
		{"manager", managerPwd, domain.RoleManager, stationID},
		{"cashier", cashierPwd, domain.RoleCashier, stationID},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			logging.Logger().Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			StationID: u.station,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with one station worth of tanks, counterparties
// and users for demo mode.
func NewSeeded(stationID string) *Store {
	if stationID == "" {
		stationID = "station-01"
	}
	s := New()
	now := time.Now().UTC()

	tanks := []domain.Tank{
		{ID: "tank-diesel-01", ProductID: "diesel", Name: "Diesel T1", Capacity: decimal.NewFromInt(20000), CurrentStock: decimal.NewFromInt(12000), MinimumLevel: decimal.NewFromInt(2000)},
		{ID: "tank-pertalite-01", ProductID: "ron90", Name: "RON 90 T2", Capacity: decimal.NewFromInt(15000), CurrentStock: decimal.NewFromInt(9000), MinimumLevel: decimal.NewFromInt(1500)},
		{ID: "tank-pertamax-01", ProductID: "ron92", Name: "RON 92 T3", Capacity: decimal.NewFromInt(10000), CurrentStock: decimal.NewFromInt(2500), MinimumLevel: decimal.NewFromInt(1000)},
	}
	for _, tank := range tanks {
		tank.StationID = stationID
		tank.Active = true
		tank.Status = domain.TankStatusOf(tank.CurrentStock, tank.Capacity, tank.MinimumLevel)
		tank.CreatedAt = now
		tank.UpdatedAt = now
		s.tanks[tank.ID] = tank
	}

	s.customers["cust-fleet-01"] = domain.Counterparty{ID: "cust-fleet-01", StationID: stationID, Name: "Armada Logistik", CreditLimit: decimal.NewFromInt(50000000), CreatedAt: now, UpdatedAt: now}
	s.customers["cust-walkin-01"] = domain.Counterparty{ID: "cust-walkin-01", StationID: stationID, Name: "Walk-in", CreatedAt: now, UpdatedAt: now}
	s.suppliers["supp-depot-01"] = domain.Counterparty{ID: "supp-depot-01", StationID: stationID, Name: "Fuel Depot Plumpang", CreatedAt: now, UpdatedAt: now}
	s.usersByUsername = seedUsers(stationID)
	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetTank(_ context.Context, scope domain.Scope, id string) (*domain.Tank, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tankFor(scope, id)
}

func (s *Store) tankFor(scope domain.Scope, id string) (*domain.Tank, error) {
	tank, ok := s.tanks[id]
	if !ok {
		return nil, fmt.Errorf("tank %s: %w", id, store.ErrNotFound)
	}
	if err := store.Authorize(scope, tank.StationID); err != nil {
		return nil, err
	}
	return &tank, nil
}

func (s *Store) ListTanks(_ context.Context, scope domain.Scope, stationID string) ([]domain.Tank, error) {
	if err := store.Authorize(scope, stationID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tanks := make([]domain.Tank, 0, len(s.tanks))
	for _, tank := range s.tanks {
		if tank.StationID == stationID {
			tanks = append(tanks, tank)
		}
	}
	slices.SortFunc(tanks, func(a, b domain.Tank) int { return strings.Compare(a.Name, b.Name) })
	return tanks, nil
}

func (s *Store) ListMovements(_ context.Context, scope domain.Scope, tankID string, before *store.MovementCursor, limit int) ([]domain.StockMovement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.tankFor(scope, tankID); err != nil {
		return nil, err
	}

	history := s.movements[tankID]
	end := len(history)
	if before != nil {
		end = -1
		for i := range history {
			if history[i].ID == before.ID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, store.Invalid("unknown movement cursor")
		}
	}

	result := make([]domain.StockMovement, 0, limit)
	for i := end - 1; i >= 0; i-- {
		if limit > 0 && len(result) == limit {
			break
		}
		result = append(result, history[i])
	}
	return result, nil
}

func (s *Store) GetSale(_ context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saleFor(scope, id)
}

func (s *Store) saleFor(scope domain.Scope, id string) (*domain.SalesTransaction, error) {
	sale, ok := s.sales[id]
	if !ok {
		return nil, fmt.Errorf("sale %s: %w", id, store.ErrNotFound)
	}
	if err := store.Authorize(scope, sale.StationID); err != nil {
		return nil, err
	}
	dup := cloneSale(sale)
	return &dup, nil
}

func (s *Store) ListSales(_ context.Context, scope domain.Scope, r store.ReportRange, limit int) ([]domain.SalesTransaction, error) {
	if err := store.Authorize(scope, r.StationID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.SalesTransaction, 0, 64)
	for _, sale := range s.sales {
		if sale.StationID != r.StationID || !inRange(sale.TransactionDate, r) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	slices.SortFunc(result, func(a, b domain.SalesTransaction) int {
		if c := b.TransactionDate.Compare(a.TransactionDate); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) GetPurchaseOrder(_ context.Context, scope domain.Scope, id string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.purchaseOrderFor(scope, id)
}

func (s *Store) purchaseOrderFor(scope domain.Scope, id string) (*domain.PurchaseOrder, error) {
	po, ok := s.purchaseOrders[id]
	if !ok {
		return nil, fmt.Errorf("purchase order %s: %w", id, store.ErrNotFound)
	}
	if err := store.Authorize(scope, po.StationID); err != nil {
		return nil, err
	}
	dup := clonePurchaseOrder(po)
	return &dup, nil
}

func (s *Store) GetCounterparty(_ context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counterpartyFor(scope, party)
}

func (s *Store) counterpartyFor(scope domain.Scope, party domain.Party) (*domain.Counterparty, error) {
	book, err := s.book(party.Kind)
	if err != nil {
		return nil, err
	}
	cp, ok := book[party.ID]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", party.Kind, party.ID, store.ErrNotFound)
	}
	if err := store.Authorize(scope, cp.StationID); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (s *Store) book(kind string) (map[string]domain.Counterparty, error) {
	switch kind {
	case domain.PartyCustomer:
		return s.customers, nil
	case domain.PartySupplier:
		return s.suppliers, nil
	default:
		return nil, store.Invalid("unknown party kind %q", kind)
	}
}

func (s *Store) ListPayments(_ context.Context, scope domain.Scope, party domain.Party) ([]domain.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.counterpartyFor(scope, party); err != nil {
		return nil, err
	}

	result := make([]domain.Payment, 0, 16)
	for _, payment := range s.payments {
		if payment.Party() != party {
			continue
		}
		payment.Allocations = s.allocationsOf(payment.ID)
		result = append(result, payment)
	}
	slices.Reverse(result)
	return result, nil
}

func (s *Store) allocationsOf(paymentID string) []domain.PaymentAllocation {
	var out []domain.PaymentAllocation
	for _, allocation := range s.allocations {
		if allocation.PaymentID == paymentID {
			out = append(out, allocation)
		}
	}
	return out
}

func (s *Store) ListOpenDocuments(_ context.Context, scope domain.Scope, party domain.Party) ([]domain.OpenDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.counterpartyFor(scope, party); err != nil {
		return nil, err
	}
	return s.openDocuments(party), nil
}

func (s *Store) openDocuments(party domain.Party) []domain.OpenDocument {
	docs := make([]domain.OpenDocument, 0, 8)
	switch party.Kind {
	case domain.PartyCustomer:
		for _, sale := range s.sales {
			if sale.CustomerID != party.ID || sale.PaymentMethod != domain.PaymentCredit || !sale.OutstandingAmount.IsPositive() {
				continue
			}
			docs = append(docs, domain.OpenDocument{
				DocumentType:      domain.DocumentSale,
				DocumentID:        sale.ID,
				Number:            sale.InvoiceNumber,
				Date:              sale.TransactionDate,
				TotalAmount:       sale.TotalAmount,
				PaidAmount:        sale.PaidAmount,
				OutstandingAmount: sale.OutstandingAmount,
			})
		}
	case domain.PartySupplier:
		for _, po := range s.purchaseOrders {
			if po.SupplierID != party.ID || po.Status == domain.POStatusCancelled || !po.OutstandingAmount.IsPositive() {
				continue
			}
			docs = append(docs, domain.OpenDocument{
				DocumentType:      domain.DocumentPurchaseOrder,
				DocumentID:        po.ID,
				Number:            po.OrderNumber,
				Date:              po.OrderDate,
				TotalAmount:       po.TotalAmount,
				PaidAmount:        po.PaidAmount,
				OutstandingAmount: po.OutstandingAmount,
			})
		}
	}
	slices.SortFunc(docs, func(a, b domain.OpenDocument) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return strings.Compare(a.DocumentID, b.DocumentID)
	})
	return docs
}

func (s *Store) ListCounterparties(_ context.Context, scope domain.Scope, kind string, stationID string) ([]domain.Counterparty, error) {
	if err := store.Authorize(scope, stationID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	book, err := s.book(kind)
	if err != nil {
		return nil, err
	}
	result := make([]domain.Counterparty, 0, len(book))
	for _, cp := range book {
		if cp.StationID == stationID {
			result = append(result, cp)
		}
	}
	slices.SortFunc(result, func(a, b domain.Counterparty) int { return strings.Compare(a.Name, b.Name) })
	return result, nil
}

func (s *Store) GetSalesReport(_ context.Context, scope domain.Scope, r store.ReportRange) (domain.SalesReport, error) {
	if err := store.Authorize(scope, r.StationID); err != nil {
		return domain.SalesReport{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	report := domain.SalesReport{StationID: r.StationID}
	byPayment := map[string]*domain.SalesReportPayment{}
	byProduct := map[string]*domain.SalesReportProduct{}
	for _, sale := range s.sales {
		if sale.StationID != r.StationID || !inRange(sale.TransactionDate, r) {
			continue
		}
		report.Transactions++
		report.Subtotal = report.Subtotal.Add(sale.Subtotal)
		report.TaxAmount = report.TaxAmount.Add(sale.TaxAmount)
		report.TotalAmount = report.TotalAmount.Add(sale.TotalAmount)
		report.Outstanding = report.Outstanding.Add(sale.OutstandingAmount)

		payment, ok := byPayment[sale.PaymentMethod]
		if !ok {
			payment = &domain.SalesReportPayment{PaymentMethod: sale.PaymentMethod}
			byPayment[sale.PaymentMethod] = payment
		}
		payment.Transactions++
		payment.TotalAmount = payment.TotalAmount.Add(sale.TotalAmount)

		for _, item := range sale.Items {
			product, ok := byProduct[item.ProductID]
			if !ok {
				product = &domain.SalesReportProduct{ProductID: item.ProductID}
				byProduct[item.ProductID] = product
			}
			product.Quantity = product.Quantity.Add(item.Quantity)
			product.TotalAmount = product.TotalAmount.Add(item.TotalPrice)
		}
	}

	for _, payment := range byPayment {
		report.ByPayment = append(report.ByPayment, *payment)
	}
	slices.SortFunc(report.ByPayment, func(a, b domain.SalesReportPayment) int {
		return strings.Compare(a.PaymentMethod, b.PaymentMethod)
	})
	for _, product := range byProduct {
		report.ByProduct = append(report.ByProduct, *product)
	}
	slices.SortFunc(report.ByProduct, func(a, b domain.SalesReportProduct) int {
		return strings.Compare(a.ProductID, b.ProductID)
	})
	return report, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, normalizeAudit(entry))
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, scope domain.Scope, stationID string, limit int) ([]domain.AuditLog, error) {
	if err := store.Authorize(scope, stationID); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.AuditLog, 0, 16)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		if s.auditLogs[i].StationID != stationID {
			continue
		}
		result = append(result, s.auditLogs[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.Invalid("username and password required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.Invalid("username %s already exists", username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.Invalid("username and password required")
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func inRange(at time.Time, r store.ReportRange) bool {
	if !r.From.IsZero() && at.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !at.Before(r.To) {
		return false
	}
	return true
}

func normalizeAudit(entry domain.AuditLog) domain.AuditLog {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return entry
}

func cloneSale(src domain.SalesTransaction) domain.SalesTransaction {
	dup := src
	dup.Items = slices.Clone(src.Items)
	return dup
}

func clonePurchaseOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dup := src
	dup.Items = slices.Clone(src.Items)
	if src.ReceivedAt != nil {
		at := *src.ReceivedAt
		dup.ReceivedAt = &at
	}
	return dup
}

var (
	_ store.Repository = (*Store)(nil)
	_ store.Tx         = (*memTx)(nil)
)
