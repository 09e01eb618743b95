package store

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Event is one recorded sale. Events are created only by successful appends
// and never mutated; Day is the ring slot the event was recorded on.
type Event struct {
	ProductID string
	Quantity  int32
	Price     float64
	Day       int
}

// Kind selects the aggregate computed over a window of sealed days.
type Kind byte

const (
	KindQuantity     Kind = 1
	KindVolume       Kind = 2
	KindAveragePrice Kind = 3
	KindMaxPrice     Kind = 4
)

// ValidKind reports whether k is a known aggregate kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindQuantity, KindVolume, KindAveragePrice, KindMaxPrice:
		return true
	}
	return false
}

// Aggregate is the per-(sealed day, product) summary. Immutable once
// computed; never cached for the still-mutating current day.
type Aggregate struct {
	Quantity int64
	Volume   decimal.Decimal
	MaxPrice float64
	HasAny   bool
}

var (
	// ErrClosed is returned by every operation, including blocked waiters,
	// once the store has shut down.
	ErrClosed = errors.New("store is closed")

	// ErrIO wraps disk read and write failures so the protocol layer can
	// report them uniformly without leaking paths.
	ErrIO = errors.New("I/O error")
)
