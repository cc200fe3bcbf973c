package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

// cached serves key from the report cache or computes and stores it. Cache
// failures only cost a recomputation.
func cached[T any](ctx context.Context, s *Service, key string, compute func() (T, error)) (T, error) {
	var hit T
	found, err := s.reports.Get(ctx, key, &hit)
	if err != nil {
		log.WithError(err).WithField("key", key).Warn("report cache read failed")
	} else if found {
		return hit, nil
	}

	value, err := compute()
	if err != nil {
		return value, err
	}
	if err := s.reports.Set(ctx, key, value, s.reportTTL); err != nil {
		log.WithError(err).WithField("key", key).Warn("report cache write failed")
	}
	return value, nil
}

// DashboardStats summarises one station day: sales, balances owed in both
// directions and tank levels.
func (s *Service) DashboardStats(ctx context.Context, stationID string, date string) (domain.DashboardStats, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	scope := actor.Scope()
	stationID = s.stationFor(actor, stationID)
	if err := store.Authorize(scope, stationID); err != nil {
		return domain.DashboardStats{}, err
	}
	r, err := s.dayRange(stationID, date, date)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	day := r.From.Format(dateLayout)

	key := fmt.Sprintf("report:dashboard:%s:%s", stationID, day)
	return cached(ctx, s, key, func() (domain.DashboardStats, error) {
		report, err := s.repo.GetSalesReport(ctx, scope, r)
		if err != nil {
			return domain.DashboardStats{}, err
		}
		stats := domain.DashboardStats{
			StationID:  stationID,
			Date:       day,
			SalesCount: report.Transactions,
			SalesTotal: report.TotalAmount,
		}
		for _, row := range report.ByPayment {
			if row.PaymentMethod == domain.PaymentCredit {
				stats.CreditSalesTotal = stats.CreditSalesTotal.Add(row.TotalAmount)
			}
		}

		if stats.TotalReceivables, err = s.sumOutstanding(ctx, scope, domain.PartyCustomer, stationID); err != nil {
			return domain.DashboardStats{}, err
		}
		if stats.TotalPayables, err = s.sumOutstanding(ctx, scope, domain.PartySupplier, stationID); err != nil {
			return domain.DashboardStats{}, err
		}

		tanks, err := s.repo.ListTanks(ctx, scope, stationID)
		if err != nil {
			return domain.DashboardStats{}, err
		}
		for _, tank := range tanks {
			switch domain.TankStatusOf(tank.CurrentStock, tank.Capacity, tank.MinimumLevel) {
			case domain.TankStatusCritical:
				stats.TanksCritical++
			case domain.TankStatusLow:
				stats.TanksLow++
			default:
				stats.TanksNormal++
			}
		}
		return stats, nil
	})
}

func (s *Service) sumOutstanding(ctx context.Context, scope domain.Scope, kind string, stationID string) (decimal.Decimal, error) {
	parties, err := s.repo.ListCounterparties(ctx, scope, kind, stationID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, party := range parties {
		total = total.Add(party.OutstandingAmount)
	}
	return total, nil
}

// SalesReport aggregates sales between two calendar days, both inclusive.
func (s *Service) SalesReport(ctx context.Context, stationID string, from string, to string) (domain.SalesReport, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.SalesReport{}, err
	}
	scope := actor.Scope()
	stationID = s.stationFor(actor, stationID)
	if err := store.Authorize(scope, stationID); err != nil {
		return domain.SalesReport{}, err
	}
	r, err := s.dayRange(stationID, from, to)
	if err != nil {
		return domain.SalesReport{}, err
	}
	fromDay := r.From.Format(dateLayout)
	toDay := r.To.AddDate(0, 0, -1).Format(dateLayout)

	key := fmt.Sprintf("report:sales:%s:%s:%s", stationID, fromDay, toDay)
	return cached(ctx, s, key, func() (domain.SalesReport, error) {
		report, err := s.repo.GetSalesReport(ctx, scope, r)
		if err != nil {
			return domain.SalesReport{}, err
		}
		report.StationID = stationID
		report.From = fromDay
		report.To = toDay
		if report.ByPayment == nil {
			report.ByPayment = []domain.SalesReportPayment{}
		}
		if report.ByProduct == nil {
			report.ByProduct = []domain.SalesReportProduct{}
		}
		return report, nil
	})
}

// AgingReport buckets every customer's outstanding balance by the age of the
// open credit sales behind it. Balance not backed by an open sale, such as an
// opening balance, is reported as unallocated.
func (s *Service) AgingReport(ctx context.Context, stationID string, asOf string) (domain.AgingReport, error) {
	actor, err := s.actor(ctx)
	if err != nil {
		return domain.AgingReport{}, err
	}
	scope := actor.Scope()
	stationID = s.stationFor(actor, stationID)
	if err := store.Authorize(scope, stationID); err != nil {
		return domain.AgingReport{}, err
	}
	r, err := s.dayRange(stationID, asOf, asOf)
	if err != nil {
		return domain.AgingReport{}, err
	}
	day := r.From.Format(dateLayout)

	key := fmt.Sprintf("report:aging:%s:%s", stationID, day)
	return cached(ctx, s, key, func() (domain.AgingReport, error) {
		customers, err := s.repo.ListCounterparties(ctx, scope, domain.PartyCustomer, stationID)
		if err != nil {
			return domain.AgingReport{}, err
		}

		report := domain.AgingReport{StationID: stationID, AsOf: day, Rows: []domain.AgingRow{}}
		for _, customer := range customers {
			if !customer.OutstandingAmount.IsPositive() {
				continue
			}
			docs, err := s.repo.ListOpenDocuments(ctx, scope, domain.CustomerParty(customer.ID))
			if err != nil {
				return domain.AgingReport{}, err
			}
			row := agingRow(customer, docs, r.To)
			report.Rows = append(report.Rows, row)
			report.Total = report.Total.Add(row.Total)
		}
		return report, nil
	})
}

func agingRow(customer domain.Counterparty, docs []domain.OpenDocument, asOf time.Time) domain.AgingRow {
	row := domain.AgingRow{CustomerID: customer.ID, Name: customer.Name, Total: customer.OutstandingAmount}
	allocated := decimal.Zero
	for _, doc := range docs {
		days := int(asOf.Sub(doc.Date).Hours() / 24)
		switch {
		case days <= 30:
			row.Current = row.Current.Add(doc.OutstandingAmount)
		case days <= 60:
			row.Days31To60 = row.Days31To60.Add(doc.OutstandingAmount)
		case days <= 90:
			row.Days61To90 = row.Days61To90.Add(doc.OutstandingAmount)
		default:
			row.Over90 = row.Over90.Add(doc.OutstandingAmount)
		}
		allocated = allocated.Add(doc.OutstandingAmount)
	}
	if rest := customer.OutstandingAmount.Sub(allocated); rest.IsPositive() {
		row.Unallocated = rest
	}
	return row
}
