package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrValidation          = errors.New("validation error")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrCapacityExceeded    = errors.New("tank capacity exceeded")
	ErrAccessDenied        = errors.New("access denied")
	ErrOverpayment         = errors.New("payment exceeds outstanding balance")
	ErrConcurrencyConflict = errors.New("concurrent update conflict")
)

// IsRuleViolation reports whether err comes from a ledger rule rather than
// from the storage backend.
func IsRuleViolation(err error) bool {
	for _, target := range []error{
		ErrNotFound, ErrValidation, ErrInsufficientStock, ErrCapacityExceeded,
		ErrAccessDenied, ErrOverpayment, ErrConcurrencyConflict,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// InsufficientStockError names the tank that could not cover an out movement.
type InsufficientStockError struct {
	TankID    string
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock in tank %s: available %s, requested %s", e.TankID, e.Available, e.Requested)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// ValidationError carries per-field failures. It unwraps to ErrValidation.
type ValidationError struct {
	Fields map[string]string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		if e.Reason == "" {
			return ErrValidation.Error()
		}
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, field+"="+tag)
	}
	sort.Strings(parts)
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, ","))
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func Invalid(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// Authorize fails with ErrAccessDenied when the scope may not see rows of stationID.
func Authorize(scope domain.Scope, stationID string) error {
	if scope.Unrestricted() {
		return nil
	}
	if scope.StationID == "" || scope.StationID != stationID {
		return fmt.Errorf("%w: station %s", ErrAccessDenied, stationID)
	}
	return nil
}

// ReportRange bounds report queries; To is exclusive.
type ReportRange struct {
	StationID string
	From      time.Time
	To        time.Time
}

type Repository interface {
	// WithinTx runs fn as one atomic unit. Rows locked through Tx stay locked
	// until fn returns; any error rolls every write of the unit back.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetTank(ctx context.Context, scope domain.Scope, id string) (*domain.Tank, error)
	ListTanks(ctx context.Context, scope domain.Scope, stationID string) ([]domain.Tank, error)
	ListMovements(ctx context.Context, scope domain.Scope, tankID string, before *MovementCursor, limit int) ([]domain.StockMovement, error)

	GetSale(ctx context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error)
	ListSales(ctx context.Context, scope domain.Scope, r ReportRange, limit int) ([]domain.SalesTransaction, error)
	GetPurchaseOrder(ctx context.Context, scope domain.Scope, id string) (*domain.PurchaseOrder, error)

	GetCounterparty(ctx context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error)
	ListPayments(ctx context.Context, scope domain.Scope, party domain.Party) ([]domain.Payment, error)
	ListOpenDocuments(ctx context.Context, scope domain.Scope, party domain.Party) ([]domain.OpenDocument, error)
	ListCounterparties(ctx context.Context, scope domain.Scope, kind string, stationID string) ([]domain.Counterparty, error)

	GetSalesReport(ctx context.Context, scope domain.Scope, r ReportRange) (domain.SalesReport, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, scope domain.Scope, stationID string, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the write side of one unit of work.
type Tx interface {
	CreateTank(ctx context.Context, scope domain.Scope, tank domain.Tank) (*domain.Tank, error)
	LockTank(ctx context.Context, scope domain.Scope, id string) (*domain.Tank, error)
	UpdateTankStock(ctx context.Context, tank domain.Tank) error
	InsertMovement(ctx context.Context, movement domain.StockMovement) error

	InsertSale(ctx context.Context, scope domain.Scope, sale domain.SalesTransaction) error
	InsertSaleItem(ctx context.Context, item domain.SalesTransactionItem) error
	LockSale(ctx context.Context, scope domain.Scope, id string) (*domain.SalesTransaction, error)
	DeleteSale(ctx context.Context, id string) error

	InsertPurchaseOrder(ctx context.Context, scope domain.Scope, po domain.PurchaseOrder) error
	InsertPurchaseOrderItem(ctx context.Context, item domain.PurchaseOrderItem) error
	LockPurchaseOrder(ctx context.Context, scope domain.Scope, id string) (*domain.PurchaseOrder, error)
	MarkPurchaseOrderReceived(ctx context.Context, id string, receivedBy string, at time.Time) error

	CreateCounterparty(ctx context.Context, scope domain.Scope, kind string, party domain.Counterparty) (*domain.Counterparty, error)
	LockCounterparty(ctx context.Context, scope domain.Scope, party domain.Party) (*domain.Counterparty, error)
	UpdateOutstanding(ctx context.Context, party domain.Party, outstanding decimal.Decimal, version int64) error

	// LockOpenDocuments returns unpaid credit documents of the party oldest first.
	LockOpenDocuments(ctx context.Context, party domain.Party) ([]domain.OpenDocument, error)
	SettleDocument(ctx context.Context, documentType string, documentID string, paid decimal.Decimal, outstanding decimal.Decimal) error

	InsertPayment(ctx context.Context, payment domain.Payment) error
	InsertAllocation(ctx context.Context, allocation domain.PaymentAllocation) error
	DeleteAllocations(ctx context.Context, documentType string, documentID string) error

	InsertAuditLog(ctx context.Context, entry domain.AuditLog) error
}

// MovementCursor is the keyset position of the last movement already seen.
type MovementCursor struct {
	CreatedAt time.Time
	ID        string
}
