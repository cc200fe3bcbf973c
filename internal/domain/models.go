package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleCashier = "cashier"
)

type Actor struct {
	Username  string
	Role      string
	StationID string
}

func (a Actor) Scope() Scope {
	return Scope{StationID: a.StationID, Role: a.Role}
}

// Scope is the station visibility of a caller. Only admins see across stations.
type Scope struct {
	StationID string
	Role      string
}

func (s Scope) Unrestricted() bool {
	return s.Role == RoleAdmin
}

const (
	TankStatusNormal   = "normal"
	TankStatusLow      = "low"
	TankStatusCritical = "critical"
)

var lowFillPercent = decimal.NewFromInt(30)

// TankStatusOf derives the status shown for a tank: critical at or below the
// minimum level, low under 30% fill, normal otherwise.
func TankStatusOf(stock decimal.Decimal, capacity decimal.Decimal, minimum decimal.Decimal) string {
	if stock.LessThanOrEqual(minimum) {
		return TankStatusCritical
	}
	if capacity.IsPositive() && stock.Mul(decimal.NewFromInt(100)).LessThan(capacity.Mul(lowFillPercent)) {
		return TankStatusLow
	}
	return TankStatusNormal
}

type Tank struct {
	ID           string          `json:"id"`
	StationID    string          `json:"station_id"`
	ProductID    string          `json:"product_id"`
	Name         string          `json:"name"`
	Capacity     decimal.Decimal `json:"capacity"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	MinimumLevel decimal.Decimal `json:"minimum_level"`
	Status       string          `json:"status"`
	Active       bool            `json:"active"`
	Version      int64           `json:"version"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type TankCreateRequest struct {
	StationID    string          `json:"station_id" validate:"omitempty,max=64"`
	ProductID    string          `json:"product_id" validate:"required,max=64"`
	Name         string          `json:"name" validate:"required,max=120"`
	Capacity     decimal.Decimal `json:"capacity"`
	InitialStock decimal.Decimal `json:"initial_stock"`
	MinimumLevel decimal.Decimal `json:"minimum_level"`
}

const (
	MovementIn         = "in"
	MovementOut        = "out"
	MovementAdjustment = "adjustment"
)

const (
	ReferenceSale       = "sale"
	ReferencePurchase   = "purchase"
	ReferenceAdjustment = "adjustment"
)

type StockMovement struct {
	ID            string          `json:"id"`
	TankID        string          `json:"tank_id"`
	StationID     string          `json:"station_id"`
	MovementType  string          `json:"movement_type"`
	Quantity      decimal.Decimal `json:"quantity"`
	PreviousStock decimal.Decimal `json:"previous_stock"`
	NewStock      decimal.Decimal `json:"new_stock"`
	ReferenceType string          `json:"reference_type"`
	ReferenceID   string          `json:"reference_id,omitempty"`
	Notes         string          `json:"notes,omitempty"`
	CreatedBy     string          `json:"created_by,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MovementRequest drives one stock change. Quantity is used for in/out,
// Delta (signed) for adjustment.
type MovementRequest struct {
	TankID        string          `json:"tank_id" validate:"required"`
	MovementType  string          `json:"movement_type" validate:"required,oneof=in out adjustment"`
	Quantity      decimal.Decimal `json:"quantity"`
	Delta         decimal.Decimal `json:"delta"`
	ReferenceType string          `json:"reference_type" validate:"required,oneof=sale purchase adjustment"`
	ReferenceID   string          `json:"reference_id" validate:"max=64"`
	Notes         string          `json:"notes" validate:"max=255"`
	CreatedBy     string          `json:"-"`
}

type MovementPage struct {
	Movements  []StockMovement `json:"movements"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

const (
	PaymentCash   = "cash"
	PaymentCard   = "card"
	PaymentCredit = "credit"
	PaymentFleet  = "fleet"
)

type SalesTransaction struct {
	ID                string                 `json:"id"`
	InvoiceNumber     string                 `json:"invoice_number"`
	StationID         string                 `json:"station_id"`
	CustomerID        string                 `json:"customer_id,omitempty"`
	UserID            string                 `json:"user_id"`
	TransactionDate   time.Time              `json:"transaction_date"`
	PaymentMethod     string                 `json:"payment_method"`
	Subtotal          decimal.Decimal        `json:"subtotal"`
	TaxAmount         decimal.Decimal        `json:"tax_amount"`
	TotalAmount       decimal.Decimal        `json:"total_amount"`
	PaidAmount        decimal.Decimal        `json:"paid_amount"`
	OutstandingAmount decimal.Decimal        `json:"outstanding_amount"`
	CreatedAt         time.Time              `json:"created_at"`
	Items             []SalesTransactionItem `json:"items"`
}

type SalesTransactionItem struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transaction_id"`
	ProductID     string          `json:"product_id"`
	TankID        string          `json:"tank_id,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	TotalPrice    decimal.Decimal `json:"total_price"`
}

type SaleItemRequest struct {
	ProductID  string          `json:"product_id" validate:"required,max=64"`
	TankID     string          `json:"tank_id" validate:"max=64"`
	Quantity   decimal.Decimal `json:"quantity"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

type SaleCreateRequest struct {
	InvoiceNumber     string            `json:"invoice_number" validate:"max=64"`
	StationID         string            `json:"station_id" validate:"max=64"`
	CustomerID        string            `json:"customer_id" validate:"required_if=PaymentMethod credit,max=64"`
	TransactionDate   *time.Time        `json:"transaction_date,omitempty"`
	PaymentMethod     string            `json:"payment_method" validate:"required,oneof=cash card credit fleet"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	TaxAmount         decimal.Decimal   `json:"tax_amount"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	PaidAmount        decimal.Decimal   `json:"paid_amount"`
	OutstandingAmount decimal.Decimal   `json:"outstanding_amount"`
	Items             []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	UserID            string            `json:"-"`
}

type SaleDeleteRequest struct {
	Reason    string `json:"reason" validate:"required,max=255"`
	DeletedBy string `json:"-"`
}

const (
	PartyCustomer = "customer"
	PartySupplier = "supplier"
)

// Party identifies the counterparty whose outstanding balance moves.
type Party struct {
	Kind string
	ID   string
}

func CustomerParty(id string) Party { return Party{Kind: PartyCustomer, ID: id} }
func SupplierParty(id string) Party { return Party{Kind: PartySupplier, ID: id} }

// Counterparty is the shared shape of a customer or supplier balance row.
type Counterparty struct {
	ID                string          `json:"id"`
	StationID         string          `json:"station_id"`
	Name              string          `json:"name"`
	Phone             string          `json:"phone,omitempty"`
	CreditLimit       decimal.Decimal `json:"credit_limit"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Customer = Counterparty
type Supplier = Counterparty

type CounterpartyCreateRequest struct {
	StationID      string          `json:"station_id" validate:"max=64"`
	Name           string          `json:"name" validate:"required,max=120"`
	Phone          string          `json:"phone" validate:"max=32"`
	CreditLimit    decimal.Decimal `json:"credit_limit"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

const (
	PaymentTypeReceivable = "receivable"
	PaymentTypePayable    = "payable"
)

const (
	DocumentSale          = "sale"
	DocumentPurchaseOrder = "purchase_order"
)

type Payment struct {
	ID              string              `json:"id"`
	StationID       string              `json:"station_id"`
	CustomerID      string              `json:"customer_id,omitempty"`
	SupplierID      string              `json:"supplier_id,omitempty"`
	Amount          decimal.Decimal     `json:"amount"`
	PaymentMethod   string              `json:"payment_method"`
	ReferenceNumber string              `json:"reference_number,omitempty"`
	Type            string              `json:"type"`
	PaymentDate     time.Time           `json:"payment_date"`
	CreatedBy       string              `json:"created_by,omitempty"`
	Allocations     []PaymentAllocation `json:"allocations,omitempty"`
}

func (p Payment) Party() Party {
	if p.SupplierID != "" {
		return SupplierParty(p.SupplierID)
	}
	return CustomerParty(p.CustomerID)
}

type PaymentAllocation struct {
	PaymentID    string          `json:"payment_id"`
	DocumentType string          `json:"document_type"`
	DocumentID   string          `json:"document_id"`
	Amount       decimal.Decimal `json:"amount"`
}

type PaymentRequest struct {
	CustomerID      string          `json:"customer_id" validate:"required_without=SupplierID,excluded_with=SupplierID,max=64"`
	SupplierID      string          `json:"supplier_id" validate:"required_without=CustomerID,excluded_with=CustomerID,max=64"`
	Amount          decimal.Decimal `json:"amount"`
	PaymentMethod   string          `json:"payment_method" validate:"required,oneof=cash card bank_transfer cheque fleet"`
	ReferenceNumber string          `json:"reference_number" validate:"max=64"`
	PaymentDate     *time.Time      `json:"payment_date,omitempty"`
	CreatedBy       string          `json:"-"`
}

// OpenDocument is an unpaid credit sale or purchase order, used for
// allocation and aging.
type OpenDocument struct {
	DocumentType      string          `json:"document_type"`
	DocumentID        string          `json:"document_id"`
	Number            string          `json:"number"`
	Date              time.Time       `json:"date"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	PaidAmount        decimal.Decimal `json:"paid_amount"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
}

type Statement struct {
	Party             string          `json:"party"`
	EntityID          string          `json:"entity_id"`
	Name              string          `json:"name"`
	Payments          []Payment       `json:"payments"`
	TotalPayments     decimal.Decimal `json:"total_payments"`
	OutstandingAmount decimal.Decimal `json:"outstanding_amount"`
	OpenDocuments     []OpenDocument  `json:"open_documents"`
}

const (
	POStatusPending   = "pending"
	POStatusReceived  = "received"
	POStatusCancelled = "cancelled"
)

type PurchaseOrder struct {
	ID                string              `json:"id"`
	OrderNumber       string              `json:"order_number"`
	StationID         string              `json:"station_id"`
	SupplierID        string              `json:"supplier_id"`
	UserID            string              `json:"user_id"`
	OrderDate         time.Time           `json:"order_date"`
	PaymentMethod     string              `json:"payment_method"`
	Status            string              `json:"status"`
	Subtotal          decimal.Decimal     `json:"subtotal"`
	TaxAmount         decimal.Decimal     `json:"tax_amount"`
	TotalAmount       decimal.Decimal     `json:"total_amount"`
	PaidAmount        decimal.Decimal     `json:"paid_amount"`
	OutstandingAmount decimal.Decimal     `json:"outstanding_amount"`
	ReceivedAt        *time.Time          `json:"received_at,omitempty"`
	ReceivedBy        string              `json:"received_by,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	Items             []PurchaseOrderItem `json:"items"`
}

type PurchaseOrderItem struct {
	ID              string          `json:"id"`
	PurchaseOrderID string          `json:"purchase_order_id"`
	ProductID       string          `json:"product_id"`
	TankID          string          `json:"tank_id,omitempty"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	TotalPrice      decimal.Decimal `json:"total_price"`
}

type PurchaseOrderCreateRequest struct {
	OrderNumber       string            `json:"order_number" validate:"max=64"`
	StationID         string            `json:"station_id" validate:"max=64"`
	SupplierID        string            `json:"supplier_id" validate:"required,max=64"`
	OrderDate         *time.Time        `json:"order_date,omitempty"`
	PaymentMethod     string            `json:"payment_method" validate:"required,oneof=cash card credit bank_transfer"`
	Subtotal          decimal.Decimal   `json:"subtotal"`
	TaxAmount         decimal.Decimal   `json:"tax_amount"`
	TotalAmount       decimal.Decimal   `json:"total_amount"`
	PaidAmount        decimal.Decimal   `json:"paid_amount"`
	OutstandingAmount decimal.Decimal   `json:"outstanding_amount"`
	ReceiveNow        bool              `json:"receive_now"`
	Items             []SaleItemRequest `json:"items" validate:"required,min=1,dive"`
	UserID            string            `json:"-"`
}

type PurchaseOrderReceiveRequest struct {
	ReceivedBy string `json:"received_by" validate:"max=64"`
}

type DashboardStats struct {
	StationID        string          `json:"station_id"`
	Date             string          `json:"date"`
	SalesCount       int64           `json:"sales_count"`
	SalesTotal       decimal.Decimal `json:"sales_total"`
	CreditSalesTotal decimal.Decimal `json:"credit_sales_total"`
	TotalReceivables decimal.Decimal `json:"total_receivables"`
	TotalPayables    decimal.Decimal `json:"total_payables"`
	TanksNormal      int64           `json:"tanks_normal"`
	TanksLow         int64           `json:"tanks_low"`
	TanksCritical    int64           `json:"tanks_critical"`
}

type SalesReportPayment struct {
	PaymentMethod string          `json:"payment_method"`
	Transactions  int64           `json:"transactions"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
}

type SalesReportProduct struct {
	ProductID   string          `json:"product_id"`
	Quantity    decimal.Decimal `json:"quantity"`
	TotalAmount decimal.Decimal `json:"total_amount"`
}

type SalesReport struct {
	StationID    string               `json:"station_id"`
	From         string               `json:"from"`
	To           string               `json:"to"`
	Transactions int64                `json:"transactions"`
	Subtotal     decimal.Decimal      `json:"subtotal"`
	TaxAmount    decimal.Decimal      `json:"tax_amount"`
	TotalAmount  decimal.Decimal      `json:"total_amount"`
	Outstanding  decimal.Decimal      `json:"outstanding"`
	ByPayment    []SalesReportPayment `json:"by_payment"`
	ByProduct    []SalesReportProduct `json:"by_product"`
}

type AgingRow struct {
	CustomerID  string          `json:"customer_id"`
	Name        string          `json:"name"`
	Current     decimal.Decimal `json:"current"`
	Days31To60  decimal.Decimal `json:"days_31_60"`
	Days61To90  decimal.Decimal `json:"days_61_90"`
	Over90      decimal.Decimal `json:"over_90"`
	Unallocated decimal.Decimal `json:"unallocated"`
	Total       decimal.Decimal `json:"total"`
}

type AgingReport struct {
	StationID string          `json:"station_id"`
	AsOf      string          `json:"as_of"`
	Rows      []AgingRow      `json:"rows"`
	Total     decimal.Decimal `json:"total"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	StationID   string `json:"station_id"`
	ExpiresAt   string `json:"expires_at"`
}

type UserCreateRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	StationID string `json:"station_id"`
}

type User struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	StationID string    `json:"station_id,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	StationID string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	StationID     string    `json:"station_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}
