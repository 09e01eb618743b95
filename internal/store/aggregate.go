package store

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Aggregate computes one windowed aggregate for productID over the lastDays
// sealed days strictly preceding the current day. lastDays is clamped to the
// window size; a non-positive lastDays or empty product id yields 0.
func (s *Store) Aggregate(kind Kind, productID string, lastDays int) (float64, error) {
	if !ValidKind(kind) {
		return 0, fmt.Errorf("unknown aggregate kind %d", kind)
	}
	productID = strings.TrimSpace(productID)
	if productID == "" || lastDays <= 0 {
		return 0, nil
	}
	if lastDays > s.windowSize {
		lastDays = s.windowSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	var (
		quantity int64
		volume   = decimal.Zero
		maxPrice float64
		hasAny   bool
	)
	day := s.currentDay
	for i := 0; i < lastDays; i++ {
		day = (day - 1 + s.totalDays) % s.totalDays
		a, err := s.dayAggregate(day, productID)
		if err != nil {
			return 0, err
		}
		quantity += a.Quantity
		volume = volume.Add(a.Volume)
		if a.HasAny && (!hasAny || a.MaxPrice > maxPrice) {
			maxPrice = a.MaxPrice
			hasAny = true
		}
	}

	switch kind {
	case KindQuantity:
		return float64(quantity), nil
	case KindVolume:
		return volume.InexactFloat64(), nil
	case KindAveragePrice:
		if quantity == 0 {
			return 0, nil
		}
		return volume.Div(decimal.NewFromInt(quantity)).InexactFloat64(), nil
	case KindMaxPrice:
		if !hasAny {
			return 0, nil
		}
		return maxPrice, nil
	}
	return 0, fmt.Errorf("unknown aggregate kind %d", kind)
}

// dayAggregate returns the (sealed day, product) aggregate: cached, else
// computed from resident events, else computed from a disk scan and cached.
// Called with the store lock held.
func (s *Store) dayAggregate(day int, productID string) (Aggregate, error) {
	if sd, ok := s.sealed[day]; ok {
		if a, ok := sd.aggs[productID]; ok {
			return a, nil
		}
		if sd.hasEvents {
			a := aggregateOf(sd.events, productID)
			sd.aggs[productID] = a
			return a, nil
		}
	}

	events, err := readDayRecords(s.dayPath(day), day)
	if err != nil {
		return Aggregate{}, fmt.Errorf("%w: %v", ErrIO, err)
	}
	a := aggregateOf(events, productID)
	if sd := s.cacheSealed(day); sd != nil {
		sd.aggs[productID] = a
	}
	return a, nil
}

// aggregateOf folds one day's events into the per-product summary. Volume is
// accumulated in exact decimal arithmetic.
func aggregateOf(events []Event, productID string) Aggregate {
	a := Aggregate{Volume: decimal.Zero}
	for _, e := range events {
		if e.ProductID != productID {
			continue
		}
		a.Quantity += int64(e.Quantity)
		a.Volume = a.Volume.Add(decimal.NewFromFloat(e.Price).Mul(decimal.NewFromInt(int64(e.Quantity))))
		if !a.HasAny || e.Price > a.MaxPrice {
			a.MaxPrice = e.Price
		}
		a.HasAny = true
	}
	return a
}
