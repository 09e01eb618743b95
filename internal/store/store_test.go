package store

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, windowSize, maxCached int) *Store {
	t.Helper()
	s, err := New(windowSize, maxCached, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestNew_RejectsInvalidParameters(t *testing.T) {
	tests := []struct {
		name       string
		windowSize int
		maxCached  int
		dataDir    string
	}{
		{name: "zero window", windowSize: 0, maxCached: 0, dataDir: "d"},
		{name: "negative cached", windowSize: 3, maxCached: -1, dataDir: "d"},
		{name: "cached equals window", windowSize: 3, maxCached: 3, dataDir: "d"},
		{name: "empty data dir", windowSize: 3, maxCached: 1, dataDir: "  "},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dir := tc.dataDir
			if dir == "d" {
				dir = t.TempDir()
			}
			_, err := New(tc.windowSize, tc.maxCached, dir)
			require.Error(t, err)
		})
	}
}

func TestAppend_Validation(t *testing.T) {
	s := newTestStore(t, 3, 1)

	tests := []struct {
		name      string
		productID string
		quantity  int32
		price     float64
	}{
		{name: "empty product", productID: "", quantity: 1, price: 1},
		{name: "whitespace product", productID: "   ", quantity: 1, price: 1},
		{name: "zero quantity", productID: "x", quantity: 0, price: 1},
		{name: "negative quantity", productID: "x", quantity: -2, price: 1},
		{name: "negative price", productID: "x", quantity: 1, price: -0.01},
		{name: "nan price", productID: "x", quantity: 1, price: nan()},
		{name: "inf price", productID: "x", quantity: 1, price: inf()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, s.Append(tc.productID, tc.quantity, tc.price))
		})
	}

	require.NoError(t, s.Append("  x  ", 1, 0)) // trimmed, zero price is legal
}

func nan() float64 { var z float64; return z / z }
func inf() float64 { var z float64; return 1 / z }

func TestAggregate_OverSealedDays(t *testing.T) {
	s := newTestStore(t, 7, 3)

	require.NoError(t, s.Append("X", 2, 10.0))
	require.NoError(t, s.Append("X", 3, 10.0))
	require.NoError(t, s.Append("Y", 1, 5.0))
	require.NoError(t, s.AdvanceDay())

	got, err := s.Aggregate(KindQuantity, "X", 1)
	require.NoError(t, err)
	require.Equal(t, 5.0, got)

	got, err = s.Aggregate(KindVolume, "X", 1)
	require.NoError(t, err)
	require.Equal(t, 50.0, got)

	got, err = s.Aggregate(KindAveragePrice, "X", 1)
	require.NoError(t, err)
	require.Equal(t, 10.0, got)

	got, err = s.Aggregate(KindMaxPrice, "X", 1)
	require.NoError(t, err)
	require.Equal(t, 10.0, got)

	got, err = s.Aggregate(KindQuantity, "Y", 1)
	require.NoError(t, err)
	require.Equal(t, 1.0, got)

	// The new current day has no sales yet and is excluded from the window.
	require.NoError(t, s.Append("X", 100, 1.0))
	got, err = s.Aggregate(KindQuantity, "X", 1)
	require.NoError(t, err)
	require.Equal(t, 5.0, got)
}

func TestAggregate_MultiDayWindowAndClamp(t *testing.T) {
	s := newTestStore(t, 3, 2)

	// Three sealed days: 4@2.0, then 6@3.0, then an empty day.
	require.NoError(t, s.Append("p", 4, 2.0))
	require.NoError(t, s.AdvanceDay())
	require.NoError(t, s.Append("p", 6, 3.0))
	require.NoError(t, s.AdvanceDay())
	require.NoError(t, s.AdvanceDay())

	got, err := s.Aggregate(KindQuantity, "p", 2)
	require.NoError(t, err)
	require.Equal(t, 6.0, got)

	got, err = s.Aggregate(KindQuantity, "p", 3)
	require.NoError(t, err)
	require.Equal(t, 10.0, got)

	// lastDays beyond the window is clamped, not an error.
	got, err = s.Aggregate(KindQuantity, "p", 100)
	require.NoError(t, err)
	require.Equal(t, 10.0, got)

	got, err = s.Aggregate(KindVolume, "p", 100)
	require.NoError(t, err)
	require.Equal(t, 26.0, got)

	got, err = s.Aggregate(KindAveragePrice, "p", 100)
	require.NoError(t, err)
	require.Equal(t, 2.6, got)

	got, err = s.Aggregate(KindMaxPrice, "p", 100)
	require.NoError(t, err)
	require.Equal(t, 3.0, got)
}

func TestAggregate_DegenerateInputs(t *testing.T) {
	s := newTestStore(t, 3, 1)

	got, err := s.Aggregate(KindQuantity, "", 2)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = s.Aggregate(KindQuantity, "p", 0)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = s.Aggregate(KindAveragePrice, "never-sold", 3)
	require.NoError(t, err)
	require.Zero(t, got)

	got, err = s.Aggregate(KindMaxPrice, "never-sold", 3)
	require.NoError(t, err)
	require.Zero(t, got)

	_, err = s.Aggregate(Kind(99), "p", 1)
	require.Error(t, err)
}

func TestRingReuse_PurgesSlotState(t *testing.T) {
	s := newTestStore(t, 2, 1) // three slots

	require.NoError(t, s.Append("A", 7, 1.0))
	require.NoError(t, s.AdvanceDay())

	got, err := s.Aggregate(KindQuantity, "A", 1)
	require.NoError(t, err)
	require.Equal(t, 7.0, got)

	// Two more rotations bring the ring back to A's slot; its cached state
	// and log must be gone before the slot becomes current again.
	require.NoError(t, s.AdvanceDay())
	require.NoError(t, s.AdvanceDay())
	require.Equal(t, 0, s.CurrentDay())

	got, err = s.Aggregate(KindQuantity, "A", 2)
	require.NoError(t, err)
	require.Zero(t, got)

	events, err := s.FilterEvents(2, []string{"A"})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestEviction_BoundsResidentSealedDays(t *testing.T) {
	s := newTestStore(t, 7, 2)

	// Seal four days, each holding one sale of its own product.
	products := []string{"p0", "p1", "p2", "p3"}
	for _, p := range products {
		require.NoError(t, s.Append(p, 1, 1.0))
		require.NoError(t, s.AdvanceDay())
	}

	// Touch every sealed day so each gets a chance to become resident.
	for i, p := range products {
		daysAgo := len(products) - i
		events, err := s.FilterEvents(daysAgo, []string{p})
		require.NoError(t, err)
		require.Len(t, events, 1)
	}

	s.mu.Lock()
	resident := len(s.sealed)
	s.mu.Unlock()
	require.LessOrEqual(t, resident, 2)

	// Evicted days are recomputed from disk and still correct.
	for i, p := range products {
		got, err := s.Aggregate(KindQuantity, p, 7)
		require.NoError(t, err, "product %d", i)
		require.Equal(t, 1.0, got)
	}
}

func TestFilterEvents(t *testing.T) {
	s := newTestStore(t, 3, 1)

	require.NoError(t, s.Append("a", 1, 1.0))
	require.NoError(t, s.Append("b", 2, 2.0))
	require.NoError(t, s.Append("a", 3, 3.0))
	require.NoError(t, s.AdvanceDay())

	events, err := s.FilterEvents(1, []string{"a", " a ", "", "c"})
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, int32(1), events[0].Quantity)
	require.Equal(t, int32(3), events[1].Quantity)

	// Out-of-range daysAgo and empty product sets yield no events.
	for _, daysAgo := range []int{0, -1, 4} {
		events, err = s.FilterEvents(daysAgo, []string{"a"})
		require.NoError(t, err)
		require.Empty(t, events)
	}
	events, err = s.FilterEvents(1, []string{" ", ""})
	require.NoError(t, err)
	require.Empty(t, events)
}

func TestWaitSimultaneous(t *testing.T) {
	s := newTestStore(t, 3, 1)

	result := make(chan bool, 1)
	go func() {
		matched, err := s.WaitSimultaneous("left", "right")
		if err != nil {
			result <- false
			return
		}
		result <- matched
	}()

	require.NoError(t, s.Append("left", 1, 1.0))
	select {
	case <-result:
		t.Fatal("waiter released with only one product sold")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Append("right", 1, 1.0))
	select {
	case matched := <-result:
		require.True(t, matched)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestWaitSimultaneous_DayRotationReleasesWithFalse(t *testing.T) {
	s := newTestStore(t, 3, 1)

	result := make(chan bool, 1)
	go func() {
		matched, err := s.WaitSimultaneous("left", "right")
		require.NoError(t, err)
		result <- matched
	}()

	require.NoError(t, s.Append("left", 1, 1.0))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.AdvanceDay())

	select {
	case matched := <-result:
		require.False(t, matched)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released by rotation")
	}
}

func TestWaitSimultaneous_AlreadySatisfied(t *testing.T) {
	s := newTestStore(t, 3, 1)
	require.NoError(t, s.Append("a", 1, 1.0))
	require.NoError(t, s.Append("b", 1, 1.0))

	matched, err := s.WaitSimultaneous("a", "b")
	require.NoError(t, err)
	require.True(t, matched)
}

func TestWaitConsecutive(t *testing.T) {
	s := newTestStore(t, 3, 1)

	type outcome struct {
		product string
		found   bool
	}
	result := make(chan outcome, 1)
	go func() {
		product, found, err := s.WaitConsecutive(3)
		require.NoError(t, err)
		result <- outcome{product: product, found: found}
	}()

	// A run broken by another product starts over.
	require.NoError(t, s.Append("A", 1, 1.0))
	require.NoError(t, s.Append("A", 1, 1.0))
	require.NoError(t, s.Append("B", 1, 1.0))
	select {
	case <-result:
		t.Fatal("waiter released without three back-to-back sales")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, s.Append("A", 1, 1.0))
	require.NoError(t, s.Append("A", 1, 1.0))
	require.NoError(t, s.Append("A", 1, 1.0))

	select {
	case got := <-result:
		require.True(t, got.found)
		require.Equal(t, "A", got.product)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released")
	}
}

func TestWaitConsecutive_Validation(t *testing.T) {
	s := newTestStore(t, 3, 1)
	_, _, err := s.WaitConsecutive(0)
	require.Error(t, err)
	_, _, err = s.WaitConsecutive(-1)
	require.Error(t, err)
}

func TestWait_CloseReleasesWaitersWithError(t *testing.T) {
	s, err := New(3, 1, t.TempDir())
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() {
		_, err := s.WaitSimultaneous("a", "b")
		errs <- err
	}()
	go func() {
		_, _, err := s.WaitConsecutive(5)
		errs <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	for i := 0; i < 2; i++ {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by close")
		}
	}
}

func TestRecovery_RoundTripPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	s, err := New(5, 2, dir)
	require.NoError(t, err)

	want := []Event{
		{ProductID: "a", Quantity: 1, Price: 1.5, Day: 0},
		{ProductID: "b", Quantity: 2, Price: 2.5, Day: 0},
		{ProductID: "a", Quantity: 3, Price: 3.5, Day: 0},
	}
	for _, e := range want {
		require.NoError(t, s.Append(e.ProductID, e.Quantity, e.Price))
	}
	require.NoError(t, s.AdvanceDay())
	require.NoError(t, s.Close())

	s, err = New(5, 2, dir)
	require.NoError(t, err)
	defer s.Close()

	require.Equal(t, 1, s.CurrentDay())
	events, err := s.FilterEvents(1, []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, want, events)
}

func TestRecovery_RebuildsTodayTracking(t *testing.T) {
	dir := t.TempDir()
	s, err := New(3, 1, dir)
	require.NoError(t, err)

	require.NoError(t, s.Append("x", 1, 1.0))
	require.NoError(t, s.Append("y", 1, 1.0))
	require.NoError(t, s.Append("y", 1, 1.0))
	require.NoError(t, s.Close())

	s, err = New(3, 1, dir)
	require.NoError(t, err)
	defer s.Close()

	// Both the distinct-product set and the consecutive-run tracker must
	// reflect the replayed day.
	matched, err := s.WaitSimultaneous("x", "y")
	require.NoError(t, err)
	require.True(t, matched)

	product, found, err := s.WaitConsecutive(2)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "y", product)

	// The run continues across the restart.
	require.NoError(t, s.Append("y", 1, 1.0))
	product, found, err = s.WaitConsecutive(3)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "y", product)
}

func TestAppendAfterRecoveryExtendsLog(t *testing.T) {
	dir := t.TempDir()
	s, err := New(3, 1, dir)
	require.NoError(t, err)
	require.NoError(t, s.Append("a", 1, 1.0))
	require.NoError(t, s.Close())

	s, err = New(3, 1, dir)
	require.NoError(t, err)
	require.NoError(t, s.Append("a", 2, 1.0))
	require.NoError(t, s.AdvanceDay())

	got, err := s.Aggregate(KindQuantity, "a", 1)
	require.NoError(t, err)
	require.Equal(t, 3.0, got)
	require.NoError(t, s.Close())
}

func TestOperationsAfterClose(t *testing.T) {
	s, err := New(3, 1, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.ErrorIs(t, s.Append("a", 1, 1.0), ErrClosed)
	require.ErrorIs(t, s.AdvanceDay(), ErrClosed)
	_, err = s.Aggregate(KindQuantity, "a", 1)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.FilterEvents(1, []string{"a"})
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.WaitSimultaneous("a", "b")
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, s.Ping(), ErrClosed)
	require.NoError(t, s.Close())
}

func TestAppend_WriteFailureLeavesTrackersUntouched(t *testing.T) {
	s := newTestStore(t, 3, 1)

	require.NoError(t, s.Append("A", 2, 1.5))
	require.NoError(t, s.Append("A", 1, 1.5))

	// Pull the file out from under the writer so the next flush fails.
	require.NoError(t, s.writer.f.Close())

	err := s.Append("B", 1, 1.0)
	require.ErrorIs(t, err, ErrIO)
	require.Nil(t, s.writer)

	// The failed sale left no trace in memory.
	require.Len(t, s.today, 2)
	_, tracked := s.productsToday["B"]
	require.False(t, tracked)
	require.Equal(t, "A", s.lastProduct)
	require.Equal(t, 2, s.runLength)
	require.Equal(t, 2, s.bestRunLength)

	// The next append reopens the log and extends it on disk.
	require.NoError(t, s.Append("A", 3, 1.5))
	events, err := readDayRecords(s.dayPath(0), 0)
	require.NoError(t, err)
	require.Len(t, events, 3)

	require.NoError(t, s.AdvanceDay())
	got, err := s.Aggregate(KindQuantity, "A", 1)
	require.NoError(t, err)
	require.Equal(t, 6.0, got)
}

func TestAdvanceDay_LogOpenFailureKeepsDayOpen(t *testing.T) {
	s := newTestStore(t, 2, 1)

	require.NoError(t, s.Append("A", 1, 1.0))

	// Block the next slot's log with a directory so the rotation cannot
	// open it.
	nextSlot := (s.currentDay + 1) % s.totalDays
	require.NoError(t, os.Mkdir(s.dayPath(nextSlot), 0o755))

	require.ErrorIs(t, s.AdvanceDay(), ErrIO)

	// The day is still open: nothing sealed or cached, appends keep
	// landing on it.
	require.Equal(t, 0, s.currentDay)
	require.Empty(t, s.sealed)
	require.NoError(t, s.Append("A", 2, 1.0))

	require.NoError(t, os.Remove(s.dayPath(nextSlot)))
	require.NoError(t, s.AdvanceDay())

	got, err := s.Aggregate(KindQuantity, "A", 1)
	require.NoError(t, err)
	require.Equal(t, 3.0, got)
}
