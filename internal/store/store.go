// Package store implements the day-partitioned sale-event log: a ring of
// windowSize+1 day slots backed by append-only disk logs, a bounded cache of
// sealed days, and blocking predicate queries over the current day.
package store

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the event engine. All mutable state is guarded by one mutex; the
// condition variable wakes predicate waiters on every append and rotation.
type Store struct {
	windowSize int // sealed days a query may span (D)
	totalDays  int // ring size, D+1
	maxCached  int // sealed days allowed resident (S)
	dataDir    string

	mu   sync.Mutex
	cond *sync.Cond

	closed     bool
	currentDay int
	epoch      uint64

	today  []Event
	writer *dayLog            // nil after a write failure; reopened on next append
	sealed map[int]*sealedDay // resident sealed-day state, at most maxCached entries

	// Today-tracking, rebuilt by replay on startup and reset on rotation.
	productsToday  map[string]struct{}
	lastProduct    string
	runLength      int
	bestRunLength  int
	bestRunProduct string
}

// sealedDay holds whatever is resident for one sealed slot: the full event
// list, per-product aggregates, or both.
type sealedDay struct {
	events    []Event
	hasEvents bool
	aggs      map[string]Aggregate
}

// New opens (or creates) the store under dataDir. The current day's log is
// replayed to rebuild the in-memory day and its today-tracking state.
func New(windowSize, maxCached int, dataDir string) (*Store, error) {
	if windowSize < 1 {
		return nil, fmt.Errorf("window size must be >= 1, got %d", windowSize)
	}
	if maxCached < 0 || maxCached >= windowSize {
		return nil, fmt.Errorf("cached days must satisfy 0 <= S < %d, got %d", windowSize, maxCached)
	}
	if strings.TrimSpace(dataDir) == "" {
		return nil, fmt.Errorf("data dir must not be empty")
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s := &Store{
		windowSize:    windowSize,
		totalDays:     windowSize + 1,
		maxCached:     maxCached,
		dataDir:       dataDir,
		sealed:        make(map[int]*sealedDay),
		productsToday: make(map[string]struct{}),
	}
	s.cond = sync.NewCond(&s.mu)

	s.currentDay = loadDayPointer(dataDir, s.totalDays)

	events, err := readDayRecords(s.dayPath(s.currentDay), s.currentDay)
	if err != nil {
		return nil, fmt.Errorf("replay current day: %w", err)
	}
	s.today = events
	for _, e := range events {
		s.track(e)
	}

	if s.writer, err = openDayLog(s.dayPath(s.currentDay), false); err != nil {
		return nil, err
	}
	if err := saveDayPointer(dataDir, s.currentDay); err != nil {
		s.writer.Close()
		return nil, err
	}

	slog.Info("[Store] Opened",
		"data_dir", dataDir,
		"window_size", windowSize,
		"cached_days", maxCached,
		"current_day", s.currentDay,
		"replayed_events", len(events),
	)
	return s, nil
}

func (s *Store) dayPath(slot int) string {
	return filepath.Join(s.dataDir, dayFileName(slot))
}

// CurrentDay returns the active ring slot index.
func (s *Store) CurrentDay() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDay
}

// WindowSize returns the number of sealed days queries may span.
func (s *Store) WindowSize() int {
	return s.windowSize
}

// Ping reports liveness for the health endpoint: the store is open and its
// data directory is still reachable.
func (s *Store) Ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	_, err := os.Stat(s.dataDir)
	return err
}

// Append validates and durably records one sale on the current day, then
// wakes every blocked predicate waiter. A disk failure leaves the in-memory
// trackers untouched and closes the day's writer for reopening on next use.
func (s *Store) Append(productID string, quantity int32, price float64) error {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return fmt.Errorf("product id must not be empty")
	}
	if quantity <= 0 {
		return fmt.Errorf("quantity must be > 0, got %d", quantity)
	}
	if price < 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("price must be finite and >= 0, got %v", price)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.writer == nil {
		w, err := openDayLog(s.dayPath(s.currentDay), false)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
		s.writer = w
	}
	if err := s.writer.appendRecord(productID, quantity, price); err != nil {
		s.writer.Close()
		s.writer = nil
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	e := Event{ProductID: productID, Quantity: quantity, Price: price, Day: s.currentDay}
	s.today = append(s.today, e)
	s.track(e)
	s.cond.Broadcast()
	return nil
}

// track folds one appended event into the today-tracking state.
func (s *Store) track(e Event) {
	s.productsToday[e.ProductID] = struct{}{}
	if e.ProductID == s.lastProduct {
		s.runLength++
	} else {
		s.lastProduct = e.ProductID
		s.runLength = 1
	}
	if s.runLength > s.bestRunLength {
		s.bestRunLength = s.runLength
		s.bestRunProduct = e.ProductID
	}
}

// AdvanceDay seals the current day and steps the ring. Any state still
// resident for the reused slot belongs to a day totalDays rotations ago and
// is purged before the slot becomes current again.
func (s *Store) AdvanceDay() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			slog.Warn("[Store] Closing day log failed", "day", s.currentDay, "error", err)
		}
		s.writer = nil
	}

	newDay := (s.currentDay + 1) % s.totalDays
	w, err := openDayLog(s.dayPath(newDay), true)
	if err != nil {
		// The rotation did not happen; the day stays open and the next
		// Append reopens its log.
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	s.writer = w

	delete(s.sealed, newDay)

	// The outgoing day stays resident as a sealed cache entry.
	if s.maxCached > 0 {
		s.sealed[s.currentDay] = &sealedDay{
			events:    s.today,
			hasEvents: true,
			aggs:      make(map[string]Aggregate),
		}
	}

	s.currentDay = newDay
	s.epoch++
	s.today = nil
	s.productsToday = make(map[string]struct{})
	s.lastProduct = ""
	s.runLength = 0
	s.bestRunLength = 0
	s.bestRunProduct = ""

	s.evictExcess()
	s.cond.Broadcast()

	if err := saveDayPointer(s.dataDir, s.currentDay); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// evictExcess drops resident sealed days until at most maxCached remain,
// choosing the day with the greatest circular distance from the current day.
// This approximates "furthest outside the active window", not LRU.
func (s *Store) evictExcess() {
	for len(s.sealed) > s.maxCached {
		victim := -1
		victimDist := -1
		for day := range s.sealed {
			dist := (s.currentDay - day + s.totalDays) % s.totalDays
			if dist > victimDist {
				victim = day
				victimDist = dist
			}
		}
		if victim < 0 {
			return
		}
		delete(s.sealed, victim)
	}
}

// cacheSealed makes day resident (if caching is enabled) and enforces the
// residency bound.
func (s *Store) cacheSealed(day int) *sealedDay {
	if s.maxCached == 0 {
		return nil
	}
	sd, ok := s.sealed[day]
	if !ok {
		sd = &sealedDay{aggs: make(map[string]Aggregate)}
		s.sealed[day] = sd
		s.evictExcess()
		if _, still := s.sealed[day]; !still {
			// Evicted immediately; caller keeps its loaded copy uncached.
			return nil
		}
	}
	return sd
}

// FilterEvents returns the events of the sealed day daysAgo rotations back
// whose product is in productIDs. Out-of-range daysAgo or an empty requested
// set yields no events.
func (s *Store) FilterEvents(daysAgo int, productIDs []string) ([]Event, error) {
	if daysAgo < 1 || daysAgo > s.windowSize {
		return nil, nil
	}
	wanted := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id != "" {
			wanted[id] = struct{}{}
		}
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	day := (s.currentDay - daysAgo + s.totalDays) % s.totalDays
	events, err := s.sealedEvents(day)
	if err != nil {
		return nil, err
	}

	var out []Event
	for _, e := range events {
		if _, ok := wanted[e.ProductID]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// sealedEvents returns the full event list of a sealed day, from the cache
// when resident, otherwise from a disk scan that is cached when the
// residency budget allows.
func (s *Store) sealedEvents(day int) ([]Event, error) {
	if sd, ok := s.sealed[day]; ok && sd.hasEvents {
		return sd.events, nil
	}
	events, err := readDayRecords(s.dayPath(day), day)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	if sd := s.cacheSealed(day); sd != nil {
		sd.events = events
		sd.hasEvents = true
	}
	return events, nil
}

// WaitSimultaneous blocks until both products have sold on the current day
// (true) or the day rotates first (false). The predicate is re-checked
// against the latest epoch on every wake.
func (s *Store) WaitSimultaneous(product1, product2 string) (bool, error) {
	product1 = strings.TrimSpace(product1)
	product2 = strings.TrimSpace(product2)
	if product1 == "" || product2 == "" {
		return false, fmt.Errorf("product id must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.epoch
	for {
		if s.closed {
			return false, ErrClosed
		}
		if s.epoch != start {
			return false, nil
		}
		_, ok1 := s.productsToday[product1]
		_, ok2 := s.productsToday[product2]
		if ok1 && ok2 {
			return true, nil
		}
		s.cond.Wait()
	}
}

// WaitConsecutive blocks until some product reaches count back-to-back sales
// on the current day, returning that product, or until the day rotates
// first.
func (s *Store) WaitConsecutive(count int) (string, bool, error) {
	if count <= 0 {
		return "", false, fmt.Errorf("count must be > 0, got %d", count)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.epoch
	for {
		if s.closed {
			return "", false, ErrClosed
		}
		if s.epoch != start {
			return "", false, nil
		}
		if s.bestRunLength >= count {
			return s.bestRunProduct, true, nil
		}
		s.cond.Wait()
	}
}

// Close shuts the store down and releases every blocked waiter with
// ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.writer != nil {
		err = s.writer.Close()
		s.writer = nil
	}
	s.cond.Broadcast()
	return err
}
