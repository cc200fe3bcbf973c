package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"fuelpos/backend/internal/balance"
	"fuelpos/backend/internal/cache"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/logging"
	"fuelpos/backend/internal/purchase"
	"fuelpos/backend/internal/sales"
	"fuelpos/backend/internal/stock"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/validate"
	"fuelpos/backend/internal/xid"
)

const dateLayout = "2006-01-02"

var log = logging.Module("service")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Service is the entry point used by the HTTP layer. It resolves the caller
// from the context and hands a station scope to the ledger components.
type Service struct {
	repo             store.Repository
	reports          cache.ReportCache
	reportTTL        time.Duration
	stock            *stock.Engine
	balances         *balance.Service
	sales            *sales.Orchestrator
	purchases        *purchase.Service
	defaultStationID string
	now              func() time.Time
}

func New(repo store.Repository, reports cache.ReportCache, reportTTL time.Duration, defaultStationID string) *Service {
	if defaultStationID == "" {
		defaultStationID = "station-01"
	}
	if reports == nil {
		reports = cache.NoopReportCache{}
	}
	if reportTTL <= 0 {
		reportTTL = 30 * time.Second
	}

	engine := stock.NewEngine(repo)
	balances := balance.NewService(repo)
	return &Service{
		repo:             repo,
		reports:          reports,
		reportTTL:        reportTTL,
		stock:            engine,
		balances:         balances,
		sales:            sales.NewOrchestrator(repo, engine, balances),
		purchases:        purchase.NewService(repo, engine, balances),
		defaultStationID: defaultStationID,
		now:              func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) actor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" || actor.Role == "" {
		return domain.Actor{}, fmt.Errorf("%w: no authenticated actor", store.ErrAccessDenied)
	}
	return actor, nil
}

// stationFor picks the requested station, falling back to the actor's own
// station and then to the configured default.
func (s *Service) stationFor(actor domain.Actor, requested string) string {
	if station := strings.TrimSpace(requested); station != "" {
		return station
	}
	if actor.StationID != "" {
		return actor.StationID
	}
	return s.defaultStationID
}

func requireRole(actor domain.Actor, roles ...string) error {
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s", store.ErrAccessDenied, actor.Role)
}

func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.SalesTransaction, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	req.UserID = actor.Username
	req.StationID = s.stationFor(actor, req.StationID)
	return s.sales.CreateSale(ctx, actor.Scope(), req)
}

func (s *Service) DeleteSale(ctx context.Context, id string, req domain.SaleDeleteRequest) error {
	actor, err := s.actor(ctx)
	if err != nil {
		return err
	}
	req.DeletedBy = actor.Username
	return s.sales.DeleteSale(ctx, actor.Scope(), id, req)
}

func (s *Service) GetSale(ctx context.Context, id string) (domain.SalesTransaction, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	return s.sales.GetSale(ctx, actor.Scope(), id)
}

// ListSales lists sales between two calendar days, both inclusive.
func (s *Service) ListSales(ctx context.Context, stationID string, from string, to string, limit int) ([]domain.SalesTransaction, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	r, err := s.dayRange(s.stationFor(actor, stationID), from, to)
	if err != nil {
		return nil, err
	}
	return s.sales.ListSales(ctx, actor.Scope(), r, limit)
}

func (s *Service) ApplyMovement(ctx context.Context, req domain.MovementRequest) (domain.StockMovement, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.StockMovement{}, err
	}
	req.CreatedBy = actor.Username
	movement, err := s.stock.ApplyMovement(ctx, actor.Scope(), req)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if movement.MovementType == domain.MovementAdjustment {
		s.logAudit(ctx, movement.StationID, "stock_adjustment", "tank", movement.TankID,
			fmt.Sprintf("previous=%s,new=%s,notes=%s", movement.PreviousStock, movement.NewStock, movement.Notes))
	}
	return movement, nil
}

func (s *Service) ListMovements(ctx context.Context, tankID string, cursor string, limit int) (domain.MovementPage, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.MovementPage{}, err
	}
	return s.stock.ListMovements(ctx, actor.Scope(), tankID, cursor, limit)
}

func (s *Service) GetTank(ctx context.Context, id string) (domain.Tank, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Tank{}, err
	}
	tank, err := s.repo.GetTank(ctx, actor.Scope(), id)
	if err != nil {
		return domain.Tank{}, err
	}
	return *tank, nil
}

func (s *Service) ListTanks(ctx context.Context, stationID string) ([]domain.Tank, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListTanks(ctx, actor.Scope(), s.stationFor(actor, stationID))
}

// CreateTank registers a tank. A positive initial stock is booked as an
// opening movement so the movement history explains the level.
func (s *Service) CreateTank(ctx context.Context, req domain.TankCreateRequest) (domain.Tank, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Tank{}, err
	}
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return domain.Tank{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.ProductID = strings.TrimSpace(req.ProductID)
	if err := validate.Struct(req); err != nil {
		return domain.Tank{}, err
	}
	if req.Capacity.IsNegative() || req.InitialStock.IsNegative() || req.MinimumLevel.IsNegative() {
		return domain.Tank{}, store.Invalid("tank amounts must not be negative")
	}
	if !req.Capacity.IsPositive() {
		return domain.Tank{}, store.Invalid("capacity must be positive")
	}
	for name, amount := range map[string]decimal.Decimal{"capacity": req.Capacity, "initial_stock": req.InitialStock, "minimum_level": req.MinimumLevel} {
		if err := validate.Scale(name, amount, validate.QuantityPlaces); err != nil {
			return domain.Tank{}, err
		}
	}
	if req.InitialStock.GreaterThan(req.Capacity) {
		return domain.Tank{}, fmt.Errorf("initial stock %s over capacity %s: %w", req.InitialStock, req.Capacity, store.ErrCapacityExceeded)
	}

	now := s.now()
	tank := domain.Tank{
		ID:           xid.New("tank"),
		StationID:    s.stationFor(actor, req.StationID),
		ProductID:    req.ProductID,
		Name:         req.Name,
		Capacity:     req.Capacity,
		CurrentStock: decimal.Zero,
		MinimumLevel: req.MinimumLevel,
		Status:       domain.TankStatusOf(decimal.Zero, req.Capacity, req.MinimumLevel),
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	scope := actor.Scope()
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.CreateTank(ctx, scope, tank); err != nil {
			return err
		}
		if !req.InitialStock.IsPositive() {
			return nil
		}
		_, err := s.stock.ApplyTx(ctx, tx, scope, domain.MovementRequest{
			TankID:        tank.ID,
			MovementType:  domain.MovementIn,
			Quantity:      req.InitialStock,
			ReferenceType: domain.ReferenceAdjustment,
			Notes:         "opening stock",
			CreatedBy:     actor.Username,
		})
		return err
	})
	if err != nil {
		return domain.Tank{}, err
	}

	s.logAudit(ctx, tank.StationID, "tank_create", "tank", tank.ID, fmt.Sprintf("product=%s,capacity=%s", tank.ProductID, tank.Capacity))
	return s.GetTank(ctx, tank.ID)
}

func (s *Service) CreateCustomer(ctx context.Context, req domain.CounterpartyCreateRequest) (domain.Customer, error) {
	return s.createCounterparty(ctx, domain.PartyCustomer, req)
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.CounterpartyCreateRequest) (domain.Supplier, error) {
	return s.createCounterparty(ctx, domain.PartySupplier, req)
}

// createCounterparty stores a customer or supplier. The opening balance
// becomes its initial outstanding amount and is not tied to any document.
func (s *Service) createCounterparty(ctx context.Context, kind string, req domain.CounterpartyCreateRequest) (domain.Counterparty, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Counterparty{}, err
	}
	if err := requireRole(actor, domain.RoleAdmin, domain.RoleManager); err != nil {
		return domain.Counterparty{}, err
	}

	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if err := validate.Struct(req); err != nil {
		return domain.Counterparty{}, err
	}
	if req.CreditLimit.IsNegative() || req.OpeningBalance.IsNegative() {
		return domain.Counterparty{}, store.Invalid("credit limit and opening balance must not be negative")
	}
	if err := validate.Scale("credit_limit", req.CreditLimit, validate.MoneyPlaces); err != nil {
		return domain.Counterparty{}, err
	}
	if err := validate.Scale("opening_balance", req.OpeningBalance, validate.MoneyPlaces); err != nil {
		return domain.Counterparty{}, err
	}

	prefix := "cust"
	if kind == domain.PartySupplier {
		prefix = "supp"
	}
	now := s.now()
	party := domain.Counterparty{
		ID:                xid.New(prefix),
		StationID:         s.stationFor(actor, req.StationID),
		Name:              req.Name,
		Phone:             req.Phone,
		CreditLimit:       req.CreditLimit,
		OutstandingAmount: req.OpeningBalance,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var saved *domain.Counterparty
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		saved, err = tx.CreateCounterparty(ctx, actor.Scope(), kind, party)
		return err
	})
	if err != nil {
		return domain.Counterparty{}, err
	}

	s.logAudit(ctx, saved.StationID, kind+"_create", kind, saved.ID,
		fmt.Sprintf("name=%s,opening_balance=%s", saved.Name, saved.OutstandingAmount))
	return *saved, nil
}

func (s *Service) ListCustomers(ctx context.Context, stationID string) ([]domain.Customer, error) {
	return s.listCounterparties(ctx, domain.PartyCustomer, stationID)
}

func (s *Service) ListSuppliers(ctx context.Context, stationID string) ([]domain.Supplier, error) {
	return s.listCounterparties(ctx, domain.PartySupplier, stationID)
}

func (s *Service) listCounterparties(ctx context.Context, kind string, stationID string) ([]domain.Counterparty, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	return s.repo.ListCounterparties(ctx, actor.Scope(), kind, s.stationFor(actor, stationID))
}

func (s *Service) GetStatement(ctx context.Context, party domain.Party) (domain.Statement, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Statement{}, err
	}
	return s.balances.GetStatement(ctx, actor.Scope(), party)
}

func (s *Service) ApplyPayment(ctx context.Context, req domain.PaymentRequest) (domain.Payment, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.Payment{}, err
	}
	req.CreatedBy = actor.Username
	payment, err := s.balances.ApplyPayment(ctx, actor.Scope(), req)
	if err != nil {
		return domain.Payment{}, err
	}

	party := payment.Party()
	s.logAudit(ctx, payment.StationID, "payment_create", party.Kind, party.ID,
		fmt.Sprintf("payment=%s,amount=%s,method=%s", payment.ID, payment.Amount, payment.PaymentMethod))
	return payment, nil
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	req.UserID = actor.Username
	req.StationID = s.stationFor(actor, req.StationID)
	po, err := s.purchases.CreatePurchaseOrder(ctx, actor.Scope(), req)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.logAudit(ctx, po.StationID, "purchase_order_create", "purchase_order", po.ID,
		fmt.Sprintf("number=%s,supplier=%s,total=%s,status=%s", po.OrderNumber, po.SupplierID, po.TotalAmount, po.Status))
	return po, nil
}

func (s *Service) ReceivePurchaseOrder(ctx context.Context, id string, req domain.PurchaseOrderReceiveRequest) (domain.PurchaseOrder, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if strings.TrimSpace(req.ReceivedBy) == "" {
		req.ReceivedBy = actor.Username
	}
	po, err := s.purchases.ReceivePurchaseOrder(ctx, actor.Scope(), id, req)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}

	s.logAudit(ctx, po.StationID, "purchase_order_receive", "purchase_order", po.ID, fmt.Sprintf("received_by=%s", po.ReceivedBy))
	return po, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, id string) (domain.PurchaseOrder, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return s.purchases.GetPurchaseOrder(ctx, actor.Scope(), id)
}

func (s *Service) ListAuditLogs(ctx context.Context, stationID string, limit int) ([]domain.AuditLog, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, actor.Scope(), s.stationFor(actor, stationID), limit)
}

// dayRange turns two calendar days into a half-open range covering both.
// Empty values default to today.
func (s *Service) dayRange(stationID string, from string, to string) (store.ReportRange, error) {
	today := s.now().Format(dateLayout)
	from = defaultString(from, today)
	to = defaultString(to, from)

	start, err := time.Parse(dateLayout, from)
	if err != nil {
		return store.ReportRange{}, store.Invalid("from must use format YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, to)
	if err != nil {
		return store.ReportRange{}, store.Invalid("to must use format YYYY-MM-DD")
	}
	if end.Before(start) {
		return store.ReportRange{}, store.Invalid("to must not be before from")
	}
	return store.ReportRange{StationID: stationID, From: start, To: end.AddDate(0, 0, 1)}, nil
}

func (s *Service) logAudit(ctx context.Context, stationID string, action string, entityType string, entityID string, detail string) {
	if stationID == "" {
		stationID = s.defaultStationID
	}

	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		StationID:     stationID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

func defaultString(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
