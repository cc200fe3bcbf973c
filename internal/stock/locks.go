package stock

import (
	"context"
	"slices"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

// Line is the tank side of one document line.
type Line struct {
	TankID    string
	ProductID string
}

// LockTanks takes the row locks of every tank the lines touch in id order,
// so two documents sharing tanks always lock them the same way round. It
// also checks each tank belongs to stationID and holds the line's product.
func LockTanks(ctx context.Context, tx store.Tx, scope domain.Scope, stationID string, lines []Line) error {
	products := map[string]string{}
	for _, line := range lines {
		if line.TankID == "" {
			continue
		}
		if prev, ok := products[line.TankID]; ok && prev != line.ProductID {
			return store.Invalid("tank %s used for products %s and %s", line.TankID, prev, line.ProductID)
		}
		products[line.TankID] = line.ProductID
	}

	ids := make([]string, 0, len(products))
	for id := range products {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		tank, err := tx.LockTank(ctx, scope, id)
		if err != nil {
			return err
		}
		if tank.StationID != stationID {
			return store.Invalid("tank %s belongs to station %s", id, tank.StationID)
		}
		if tank.ProductID != products[id] {
			return store.Invalid("tank %s holds %s, not %s", id, tank.ProductID, products[id])
		}
	}
	return nil
}
