// Package stock applies stock movements to tanks. Every change of a tank's
// current stock goes through ApplyTx so that the stock row and its movement
// history are written in the same unit of work.
package stock

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
	"fuelpos/backend/internal/validate"
	"fuelpos/backend/internal/xid"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200
)

type Engine struct {
	repo store.Repository
	now  func() time.Time
}

func NewEngine(repo store.Repository) *Engine {
	return &Engine{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// ApplyMovement runs one movement as its own unit of work.
func (e *Engine) ApplyMovement(ctx context.Context, scope domain.Scope, req domain.MovementRequest) (domain.StockMovement, error) {
	var movement domain.StockMovement
	err := e.repo.WithinTx(ctx, func(tx store.Tx) error {
		var err error
		movement, err = e.ApplyTx(ctx, tx, scope, req)
		return err
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return movement, nil
}

// ApplyTx locks the tank, checks the resulting level against zero and the
// tank capacity, then writes the new level and the movement row through tx.
func (e *Engine) ApplyTx(ctx context.Context, tx store.Tx, scope domain.Scope, req domain.MovementRequest) (domain.StockMovement, error) {
	delta, err := movementDelta(req)
	if err != nil {
		return domain.StockMovement{}, err
	}

	tank, err := tx.LockTank(ctx, scope, req.TankID)
	if err != nil {
		return domain.StockMovement{}, err
	}
	if !tank.Active {
		return domain.StockMovement{}, store.Invalid("tank %s is inactive", tank.ID)
	}

	previous := tank.CurrentStock
	next := previous.Add(delta)
	if next.IsNegative() {
		return domain.StockMovement{}, &store.InsufficientStockError{
			TankID:    tank.ID,
			Available: previous,
			Requested: delta.Neg(),
		}
	}
	if next.GreaterThan(tank.Capacity) {
		return domain.StockMovement{}, fmt.Errorf("%w: tank %s capacity %s, resulting stock %s", store.ErrCapacityExceeded, tank.ID, tank.Capacity, next)
	}

	now := e.now()
	tank.CurrentStock = next
	tank.Status = domain.TankStatusOf(next, tank.Capacity, tank.MinimumLevel)
	tank.UpdatedAt = now
	if err := tx.UpdateTankStock(ctx, *tank); err != nil {
		return domain.StockMovement{}, err
	}

	movement := domain.StockMovement{
		ID:            xid.New("mov"),
		TankID:        tank.ID,
		StationID:     tank.StationID,
		MovementType:  req.MovementType,
		Quantity:      delta.Abs(),
		PreviousStock: previous,
		NewStock:      next,
		ReferenceType: req.ReferenceType,
		ReferenceID:   req.ReferenceID,
		Notes:         strings.TrimSpace(req.Notes),
		CreatedBy:     req.CreatedBy,
		CreatedAt:     now,
	}
	if err := tx.InsertMovement(ctx, movement); err != nil {
		return domain.StockMovement{}, err
	}
	return movement, nil
}

func movementDelta(req domain.MovementRequest) (decimal.Decimal, error) {
	if err := validate.Struct(req); err != nil {
		return decimal.Zero, err
	}
	switch req.MovementType {
	case domain.MovementIn, domain.MovementOut:
		if !req.Quantity.IsPositive() {
			return decimal.Zero, store.Invalid("quantity must be positive")
		}
		if err := validate.Scale("quantity", req.Quantity, validate.QuantityPlaces); err != nil {
			return decimal.Zero, err
		}
		if req.MovementType == domain.MovementOut {
			return req.Quantity.Neg(), nil
		}
		return req.Quantity, nil
	case domain.MovementAdjustment:
		if req.Delta.IsZero() {
			return decimal.Zero, store.Invalid("adjustment delta must be non-zero")
		}
		if err := validate.Scale("delta", req.Delta, validate.QuantityPlaces); err != nil {
			return decimal.Zero, err
		}
		return req.Delta, nil
	default:
		return decimal.Zero, store.Invalid("unknown movement type %q", req.MovementType)
	}
}

// ListMovements returns one page of a tank's history, newest first. An empty
// cursor starts at the latest movement.
func (e *Engine) ListMovements(ctx context.Context, scope domain.Scope, tankID string, cursor string, limit int) (domain.MovementPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}

	var before *store.MovementCursor
	if cursor != "" {
		decoded, err := DecodeCursor(cursor)
		if err != nil {
			return domain.MovementPage{}, err
		}
		before = &decoded
	}

	movements, err := e.repo.ListMovements(ctx, scope, tankID, before, limit+1)
	if err != nil {
		return domain.MovementPage{}, err
	}

	page := domain.MovementPage{Movements: movements}
	if len(movements) > limit {
		page.Movements = movements[:limit]
		last := page.Movements[limit-1]
		page.NextCursor = EncodeCursor(store.MovementCursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	if page.Movements == nil {
		page.Movements = []domain.StockMovement{}
	}
	return page, nil
}

// Movements walks a tank's full history lazily, one page at a time.
func (e *Engine) Movements(ctx context.Context, scope domain.Scope, tankID string, pageSize int) iter.Seq2[domain.StockMovement, error] {
	return func(yield func(domain.StockMovement, error) bool) {
		cursor := ""
		for {
			page, err := e.ListMovements(ctx, scope, tankID, cursor, pageSize)
			if err != nil {
				yield(domain.StockMovement{}, err)
				return
			}
			for _, movement := range page.Movements {
				if !yield(movement, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			cursor = page.NextCursor
		}
	}
}

func EncodeCursor(c store.MovementCursor) string {
	raw := c.CreatedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func DecodeCursor(cursor string) (store.MovementCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return store.MovementCursor{}, store.Invalid("malformed cursor")
	}
	at, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return store.MovementCursor{}, store.Invalid("malformed cursor")
	}
	createdAt, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return store.MovementCursor{}, store.Invalid("malformed cursor")
	}
	return store.MovementCursor{CreatedAt: createdAt, ID: id}, nil
}
