// Package purchase handles fuel purchase orders from suppliers and their
// receipt into station tanks.
package purchase

import (
	"context"
	"strings"
	"time"

	"fuelpos/backend/internal/balance"
	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/stock"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/validate"
	"fuelpos/backend/internal/xid"
)

type Service struct {
	repo    store.Repository
	stock   *stock.Engine
	balance *balance.Service
	now     func() time.Time
}

func NewService(repo store.Repository, engine *stock.Engine, balances *balance.Service) *Service {
	return &Service{
		repo:    repo,
		stock:   engine,
		balance: balances,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreatePurchaseOrder records a pending order. A credit order raises the
// supplier payable straight away; ReceiveNow books the delivery in the same
// unit of work.
func (s *Service) CreatePurchaseOrder(ctx context.Context, scope domain.Scope, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if err := validate.Struct(req); err != nil {
		return domain.PurchaseOrder{}, err
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
		return domain.PurchaseOrder{}, err
	}
	if err := validate.CheckLines(req.Items, totals.Subtotal); err != nil {
		return domain.PurchaseOrder{}, err
	}

	stationID := strings.TrimSpace(req.StationID)
	if stationID == "" {
		stationID = scope.StationID
	}
	if stationID == "" {
		return domain.PurchaseOrder{}, store.Invalid("station_id is required")
	}

	now := s.now()
	po := domain.PurchaseOrder{
		ID:                xid.New("po"),
		OrderNumber:       strings.TrimSpace(req.OrderNumber),
		StationID:         stationID,
		SupplierID:        strings.TrimSpace(req.SupplierID),
		UserID:            req.UserID,
		OrderDate:         now,
		PaymentMethod:     req.PaymentMethod,
		Status:            domain.POStatusPending,
		Subtotal:          totals.Subtotal,
		TaxAmount:         totals.TaxAmount,
		TotalAmount:       totals.TotalAmount,
		PaidAmount:        totals.PaidAmount,
		OutstandingAmount: totals.OutstandingAmount,
		CreatedAt:         now,
	}
	if req.OrderDate != nil {
		po.OrderDate = req.OrderDate.UTC()
	}
	if po.OrderNumber == "" {
		po.OrderNumber = xid.DocumentNumber("PO", stationID, po.OrderDate)
	}
	for _, item := range req.Items {
		po.Items = append(po.Items, domain.PurchaseOrderItem{
			ID:              xid.New("poi"),
			PurchaseOrderID: po.ID,
			ProductID:       strings.TrimSpace(item.ProductID),
			TankID:          strings.TrimSpace(item.TankID),
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			TotalPrice:      item.TotalPrice,
		})
	}

	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		supplier, err := tx.LockCounterparty(ctx, scope, domain.SupplierParty(po.SupplierID))
		if err != nil {
			return err
		}
		if supplier.StationID != stationID {
			return store.Invalid("supplier %s belongs to station %s", supplier.ID, supplier.StationID)
		}
		if err := stock.LockTanks(ctx, tx, scope, stationID, tankLines(po.Items)); err != nil {
			return err
		}
		if err := tx.InsertPurchaseOrder(ctx, scope, po); err != nil {
			return err
		}
		for _, item := range po.Items {
			if err := tx.InsertPurchaseOrderItem(ctx, item); err != nil {
				return err
			}
		}
		if credit && po.OutstandingAmount.IsPositive() {
			if _, err := s.balance.IncreaseOutstandingTx(ctx, tx, scope, domain.SupplierParty(po.SupplierID), po.OutstandingAmount); err != nil {
				return err
			}
		}
		if req.ReceiveNow {
			received, err := s.receiveTx(ctx, tx, scope, po, req.UserID)
			if err != nil {
				return err
			}
			po = received
		}
		return nil
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return po, nil
}

// ReceivePurchaseOrder books the delivery of a pending order: each line with
// a tank becomes an in movement and the order is marked received.
func (s *Service) ReceivePurchaseOrder(ctx context.Context, scope domain.Scope, id string, req domain.PurchaseOrderReceiveRequest) (domain.PurchaseOrder, error) {
	if err := validate.Struct(req); err != nil {
		return domain.PurchaseOrder{}, err
	}

	var po domain.PurchaseOrder
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockPurchaseOrder(ctx, scope, id)
		if err != nil {
			return err
		}
		po, err = s.receiveTx(ctx, tx, scope, *locked, req.ReceivedBy)
		return err
	})
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return po, nil
}

func (s *Service) receiveTx(ctx context.Context, tx store.Tx, scope domain.Scope, po domain.PurchaseOrder, receivedBy string) (domain.PurchaseOrder, error) {
	if po.Status != domain.POStatusPending {
		return domain.PurchaseOrder{}, store.Invalid("purchase order %s is %s", po.ID, po.Status)
	}

	if err := stock.LockTanks(ctx, tx, scope, po.StationID, tankLines(po.Items)); err != nil {
		return domain.PurchaseOrder{}, err
	}
	for _, item := range po.Items {
		if item.TankID == "" {
			continue
		}
		_, err := s.stock.ApplyTx(ctx, tx, scope, domain.MovementRequest{
			TankID:        item.TankID,
			MovementType:  domain.MovementIn,
			Quantity:      item.Quantity,
			ReferenceType: domain.ReferencePurchase,
			ReferenceID:   po.ID,
			Notes:         "purchase order " + po.OrderNumber,
			CreatedBy:     receivedBy,
		})
		if err != nil {
			return domain.PurchaseOrder{}, err
		}
	}

	at := s.now()
	if err := tx.MarkPurchaseOrderReceived(ctx, po.ID, receivedBy, at); err != nil {
		return domain.PurchaseOrder{}, err
	}
	po.Status = domain.POStatusReceived
	po.ReceivedAt = &at
	po.ReceivedBy = receivedBy
	return po, nil
}

func tankLines(items []domain.PurchaseOrderItem) []stock.Line {
	lines := make([]stock.Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, stock.Line{TankID: item.TankID, ProductID: item.ProductID})
	}
	return lines
}

func (s *Service) GetPurchaseOrder(ctx context.Context, scope domain.Scope, id string) (domain.PurchaseOrder, error) {
	po, err := s.repo.GetPurchaseOrder(ctx, scope, id)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *po, nil
}
