// Package sales records fuel and shop sales. A sale, the stock it draws and
// the receivable it creates are written in one unit of work or not at all.
package sales

import (
	"context"
	"fmt"
	"strings"
	"time"

	"fuelpos/backend/internal/balance"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/logging"
	"fuelpos/backend/internal/stock"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/validate"
	"fuelpos/backend/internal/xid"
)

const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

type Orchestrator struct {
	repo    store.Repository
	stock   *stock.Engine
	balance *balance.Service
	now     func() time.Time
}

func NewOrchestrator(repo store.Repository, engine *stock.Engine, balances *balance.Service) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		stock:   engine,
		balance: balances,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (o *Orchestrator) CreateSale(ctx context.Context, scope domain.Scope, req domain.SaleCreateRequest) (domain.SalesTransaction, error) {
	if err := validate.Struct(req); err != nil {
		return domain.SalesTransaction{}, err
	}

	credit := req.PaymentMethod == domain.PaymentCredit
	totals, err := validate.CheckTotals(validate.Totals{
		Subtotal:          req.Subtotal,
		TaxAmount:         req.TaxAmount,
		TotalAmount:       req.TotalAmount,
		PaidAmount:        req.PaidAmount,
		OutstandingAmount: req.OutstandingAmount,
	}, credit)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	if err := validate.CheckLines(req.Items, totals.Subtotal); err != nil {
		return domain.SalesTransaction{}, err
	}

	stationID := strings.TrimSpace(req.StationID)
	if stationID == "" {
		stationID = scope.StationID
	}
	if stationID == "" {
		return domain.SalesTransaction{}, store.Invalid("station_id is required")
	}

	now := o.now()
	sale := domain.SalesTransaction{
		ID:                xid.New("sale"),
		InvoiceNumber:     strings.TrimSpace(req.InvoiceNumber),
		StationID:         stationID,
		CustomerID:        strings.TrimSpace(req.CustomerID),
		UserID:            req.UserID,
		TransactionDate:   now,
		PaymentMethod:     req.PaymentMethod,
		Subtotal:          totals.Subtotal,
		TaxAmount:         totals.TaxAmount,
		TotalAmount:       totals.TotalAmount,
		PaidAmount:        totals.PaidAmount,
		OutstandingAmount: totals.OutstandingAmount,
		CreatedAt:         now,
	}
	if req.TransactionDate != nil {
		sale.TransactionDate = req.TransactionDate.UTC()
	}
	if sale.InvoiceNumber == "" {
		sale.InvoiceNumber = xid.DocumentNumber("INV", stationID, sale.TransactionDate)
	}
	for _, item := range req.Items {
		sale.Items = append(sale.Items, domain.SalesTransactionItem{
			ID:            xid.New("item"),
			TransactionID: sale.ID,
			ProductID:     strings.TrimSpace(item.ProductID),
			TankID:        strings.TrimSpace(item.TankID),
			Quantity:      item.Quantity,
			UnitPrice:     item.UnitPrice,
			TotalPrice:    item.TotalPrice,
		})
	}

	err = o.repo.WithinTx(ctx, func(tx store.Tx) error {
		// Lock order for every unit of work: counterparty, document, tanks.
		if sale.CustomerID != "" {
			customer, err := tx.LockCounterparty(ctx, scope, domain.CustomerParty(sale.CustomerID))
			if err != nil {
				return err
			}
			if customer.StationID != stationID {
				return store.Invalid("customer %s belongs to station %s", customer.ID, customer.StationID)
			}
		}
		if err := tx.InsertSale(ctx, scope, sale); err != nil {
			return err
		}
		for _, item := range sale.Items {
			if err := tx.InsertSaleItem(ctx, item); err != nil {
				return err
			}
		}

		if err := stock.LockTanks(ctx, tx, scope, stationID, tankLines(sale.Items)); err != nil {
			return err
		}
		for _, item := range sale.Items {
			if item.TankID == "" {
				continue
			}
			_, err := o.stock.ApplyTx(ctx, tx, scope, domain.MovementRequest{
				TankID:        item.TankID,
				MovementType:  domain.MovementOut,
				Quantity:      item.Quantity,
				ReferenceType: domain.ReferenceSale,
				ReferenceID:   sale.ID,
				Notes:         "sale " + sale.InvoiceNumber,
				CreatedBy:     sale.UserID,
			})
			if err != nil {
				return err
			}
		}

		if credit && sale.OutstandingAmount.IsPositive() {
			if _, err := o.balance.IncreaseOutstandingTx(ctx, tx, scope, domain.CustomerParty(sale.CustomerID), sale.OutstandingAmount); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !store.IsRuleViolation(err) {
			logging.LogError("sales", "CreateSale", "sale unit of work", map[string]string{"station": stationID, "invoice": sale.InvoiceNumber}, err)
		}
		return domain.SalesTransaction{}, err
	}
	return sale, nil
}

func tankLines(items []domain.SalesTransactionItem) []stock.Line {
	lines := make([]stock.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, stock.Line{TankID: item.TankID, ProductID: item.ProductID})
	}
	return lines
}

// DeleteSale reverses a sale: stock goes back into its tanks, the customer
// is relieved of what is still owed on it, and the sale rows are removed.
// Only managers and admins may do this and every deletion is audited.
func (o *Orchestrator) DeleteSale(ctx context.Context, scope domain.Scope, id string, req domain.SaleDeleteRequest) error {
	if scope.Role != domain.RoleAdmin && scope.Role != domain.RoleManager {
		return fmt.Errorf("%w: deleting a sale requires manager or admin role", store.ErrAccessDenied)
	}
	if err := validate.Struct(req); err != nil {
		return err
	}

	// The customer row is locked before the sale, so read the sale once
	// unlocked to learn who it belongs to.
	current, err := o.repo.GetSale(ctx, scope, id)
	if err != nil {
		return err
	}

	return o.repo.WithinTx(ctx, func(tx store.Tx) error {
		if current.CustomerID != "" {
			if _, err := tx.LockCounterparty(ctx, scope, domain.CustomerParty(current.CustomerID)); err != nil {
				return err
			}
		}
		sale, err := tx.LockSale(ctx, scope, id)
		if err != nil {
			return err
		}

		if err := stock.LockTanks(ctx, tx, scope, sale.StationID, tankLines(sale.Items)); err != nil {
			return err
		}
		reason := strings.TrimSpace(req.Reason)
		for _, item := range sale.Items {
			if item.TankID == "" {
				continue
			}
			_, err := o.stock.ApplyTx(ctx, tx, scope, domain.MovementRequest{
				TankID:        item.TankID,
				MovementType:  domain.MovementIn,
				Quantity:      item.Quantity,
				ReferenceType: domain.ReferenceSale,
				ReferenceID:   sale.ID,
				Notes:         "sale " + sale.InvoiceNumber + " deleted: " + reason,
				CreatedBy:     req.DeletedBy,
			})
			if err != nil {
				return err
			}
		}

		if sale.PaymentMethod == domain.PaymentCredit && sale.OutstandingAmount.IsPositive() {
			if _, err := o.balance.DecreaseOutstandingTx(ctx, tx, scope, domain.CustomerParty(sale.CustomerID), sale.OutstandingAmount); err != nil {
				return err
			}
		}

		if err := tx.DeleteAllocations(ctx, domain.DocumentSale, sale.ID); err != nil {
			return err
		}
		if err := tx.DeleteSale(ctx, sale.ID); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, domain.AuditLog{
			StationID:     sale.StationID,
			ActorUsername: req.DeletedBy,
			ActorRole:     scope.Role,
			Action:        "sale_delete",
			EntityType:    "sale",
			EntityID:      sale.ID,
			Detail:        fmt.Sprintf("invoice=%s,total=%s,outstanding=%s,reason=%s", sale.InvoiceNumber, sale.TotalAmount, sale.OutstandingAmount, reason),
			CreatedAt:     o.now(),
		})
	})
}

func (o *Orchestrator) GetSale(ctx context.Context, scope domain.Scope, id string) (domain.SalesTransaction, error) {
	sale, err := o.repo.GetSale(ctx, scope, id)
	if err != nil {
		return domain.SalesTransaction{}, err
	}
	return *sale, nil
}

// ListSales returns the station's sales in [from, to), newest first.
func (o *Orchestrator) ListSales(ctx context.Context, scope domain.Scope, r store.ReportRange, limit int) ([]domain.SalesTransaction, error) {
	if r.StationID == "" {
		r.StationID = scope.StationID
	}
	if !r.From.IsZero() && !r.To.IsZero() && !r.From.Before(r.To) {
		return nil, store.Invalid("from must be before to")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return o.repo.ListSales(ctx, scope, r, limit)
}
