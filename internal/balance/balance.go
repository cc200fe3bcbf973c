// Package balance keeps customer receivables and supplier payables in step
// with the documents and payments that move them.
package balance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/validate"
	"fuelpos/backend/internal/xid"
)

type Service struct {
	repo store.Repository
	now  func() time.Time
}

func NewService(repo store.Repository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// IncreaseOutstandingTx adds amount to the party's outstanding balance. A
// customer with a credit limit may not be pushed above it.
func (s *Service) IncreaseOutstandingTx(ctx context.Context, tx store.Tx, scope domain.Scope, party domain.Party, amount decimal.Decimal) (*domain.Counterparty, error) {
	if !amount.IsPositive() {
		return nil, store.Invalid("amount must be positive")
	}
	cp, err := tx.LockCounterparty(ctx, scope, party)
	if err != nil {
		return nil, err
	}

	next := cp.OutstandingAmount.Add(amount)
	if party.Kind == domain.PartyCustomer && cp.CreditLimit.IsPositive() && next.GreaterThan(cp.CreditLimit) {
		return nil, store.Invalid("customer %s credit limit %s exceeded: outstanding would be %s", cp.ID, cp.CreditLimit, next)
	}
	if err := tx.UpdateOutstanding(ctx, party, next, cp.Version); err != nil {
		return nil, err
	}
	cp.OutstandingAmount = next
	cp.Version++
	return cp, nil
}

// DecreaseOutstandingTx subtracts amount, refusing to go below zero.
func (s *Service) DecreaseOutstandingTx(ctx context.Context, tx store.Tx, scope domain.Scope, party domain.Party, amount decimal.Decimal) (*domain.Counterparty, error) {
	if !amount.IsPositive() {
		return nil, store.Invalid("amount must be positive")
	}
	cp, err := tx.LockCounterparty(ctx, scope, party)
	if err != nil {
		return nil, err
	}
	if amount.GreaterThan(cp.OutstandingAmount) {
		return nil, fmt.Errorf("%w: %s %s outstanding %s, amount %s", store.ErrOverpayment, party.Kind, party.ID, cp.OutstandingAmount, amount)
	}

	next := cp.OutstandingAmount.Sub(amount)
	if err := tx.UpdateOutstanding(ctx, party, next, cp.Version); err != nil {
		return nil, err
	}
	cp.OutstandingAmount = next
	cp.Version++
	return cp, nil
}

// ApplyPayment records a payment against exactly one counterparty. The
// amount settles open credit documents oldest first; whatever is left
// reduces the opening balance.
func (s *Service) ApplyPayment(ctx context.Context, scope domain.Scope, req domain.PaymentRequest) (domain.Payment, error) {
	if err := validate.Struct(req); err != nil {
		return domain.Payment{}, err
	}
	if !req.Amount.IsPositive() {
		return domain.Payment{}, store.Invalid("amount must be positive")
	}
	if err := validate.Scale("amount", req.Amount, validate.MoneyPlaces); err != nil {
		return domain.Payment{}, err
	}

	payment := domain.Payment{
		ID:              xid.New("pay"),
		CustomerID:      strings.TrimSpace(req.CustomerID),
		SupplierID:      strings.TrimSpace(req.SupplierID),
		Amount:          req.Amount,
		PaymentMethod:   req.PaymentMethod,
		ReferenceNumber: strings.TrimSpace(req.ReferenceNumber),
		Type:            domain.PaymentTypeReceivable,
		PaymentDate:     s.now(),
		CreatedBy:       req.CreatedBy,
	}
	if payment.SupplierID != "" {
		payment.Type = domain.PaymentTypePayable
	}
	if req.PaymentDate != nil {
		payment.PaymentDate = req.PaymentDate.UTC()
	}
	party := payment.Party()

	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		cp, err := tx.LockCounterparty(ctx, scope, party)
		if err != nil {
			return err
		}
		if payment.Amount.GreaterThan(cp.OutstandingAmount) {
			return fmt.Errorf("%w: %s %s outstanding %s, payment %s", store.ErrOverpayment, party.Kind, party.ID, cp.OutstandingAmount, payment.Amount)
		}

		payment.StationID = cp.StationID
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		allocations, err := allocate(ctx, tx, party, payment)
		if err != nil {
			return err
		}
		payment.Allocations = allocations

		return tx.UpdateOutstanding(ctx, party, cp.OutstandingAmount.Sub(payment.Amount), cp.Version)
	})
	if err != nil {
		return domain.Payment{}, err
	}
	return payment, nil
}

func allocate(ctx context.Context, tx store.Tx, party domain.Party, payment domain.Payment) ([]domain.PaymentAllocation, error) {
	docs, err := tx.LockOpenDocuments(ctx, party)
	if err != nil {
		return nil, err
	}

	remaining := payment.Amount
	var allocations []domain.PaymentAllocation
	for _, doc := range docs {
		if !remaining.IsPositive() {
			break
		}
		applied := decimal.Min(remaining, doc.OutstandingAmount)
		if err := tx.SettleDocument(ctx, doc.DocumentType, doc.DocumentID, doc.PaidAmount.Add(applied), doc.OutstandingAmount.Sub(applied)); err != nil {
			return nil, err
		}
		allocation := domain.PaymentAllocation{
			PaymentID:    payment.ID,
			DocumentType: doc.DocumentType,
			DocumentID:   doc.DocumentID,
			Amount:       applied,
		}
		if err := tx.InsertAllocation(ctx, allocation); err != nil {
			return nil, err
		}
		allocations = append(allocations, allocation)
		remaining = remaining.Sub(applied)
	}
	return allocations, nil
}

func (s *Service) GetStatement(ctx context.Context, scope domain.Scope, party domain.Party) (domain.Statement, error) {
	cp, err := s.repo.GetCounterparty(ctx, scope, party)
	if err != nil {
		return domain.Statement{}, err
	}
	payments, err := s.repo.ListPayments(ctx, scope, party)
	if err != nil {
		return domain.Statement{}, err
	}
	docs, err := s.repo.ListOpenDocuments(ctx, scope, party)
	if err != nil {
		return domain.Statement{}, err
	}

	total := decimal.Zero
	for _, payment := range payments {
		total = total.Add(payment.Amount)
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return domain.Statement{
		Party:             party.Kind,
		EntityID:          cp.ID,
		Name:              cp.Name,
		Payments:          payments,
		TotalPayments:     total,
		OutstandingAmount: cp.OutstandingAmount,
		OpenDocuments:     docs,
	}, nil
}
