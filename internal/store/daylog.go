package store

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dayline-lab/dayline/internal/wire"
)

const stateFileName = "state.bin"

func dayFileName(slot int) string {
	return fmt.Sprintf("day_%d.bin", slot)
}

// dayLog is the append handle for the current day's on-disk log. Records are
// written sequentially and flushed on every append; the file is otherwise
// never rewritten.
type dayLog struct {
	f *os.File
	w *bufio.Writer
}

func openDayLog(path string, truncate bool) (*dayLog, error) {
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open day log %s: %w", path, err)
	}
	return &dayLog{f: f, w: bufio.NewWriter(f)}, nil
}

func (l *dayLog) appendRecord(productID string, quantity int32, price float64) error {
	if err := wire.WriteString(l.w, productID); err != nil {
		return err
	}
	if err := wire.WriteInt32(l.w, quantity); err != nil {
		return err
	}
	if err := wire.WriteFloat64(l.w, price); err != nil {
		return err
	}
	return l.w.Flush()
}

func (l *dayLog) Close() error {
	if err := l.w.Flush(); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

// readDayRecords loads every record of one day slot's log. A missing file is
// an empty day. The reader tolerates the legacy format that starts with an
// int32 record count: a legacy file's first string field decodes as empty
// (the count's high bytes), which no valid record can produce, so the reader
// rewinds past the count and resumes uniform record parsing. End of data,
// including a torn trailing record from an interrupted append, terminates
// the scan normally.
func readDayRecords(path string, day int) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open day log %s: %w", path, err)
	}
	defer f.Close()

	br := bufio.NewReader(f)

	head, err := br.Peek(2)
	if err != nil {
		// Fewer than 2 bytes cannot hold any record in either format.
		return nil, nil
	}
	if head[0] == 0 && head[1] == 0 {
		// Legacy leading-count header. Skip the full int32; the records
		// that follow use the uniform layout.
		if _, err := br.Discard(4); err != nil {
			return nil, nil
		}
	}

	var events []Event
	for {
		productID, err := wire.ReadString(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return events, nil
			}
			return nil, fmt.Errorf("read day log %s: %w", path, err)
		}
		quantity, err := wire.ReadInt32(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return events, nil
			}
			return nil, fmt.Errorf("read day log %s: %w", path, err)
		}
		price, err := wire.ReadFloat64(br)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return events, nil
			}
			return nil, fmt.Errorf("read day log %s: %w", path, err)
		}
		events = append(events, Event{ProductID: productID, Quantity: quantity, Price: price, Day: day})
	}
}

// loadDayPointer reads the persisted current-day slot index. Anything
// missing or out of range falls back to slot 0.
func loadDayPointer(dataDir string, totalDays int) int {
	f, err := os.Open(filepath.Join(dataDir, stateFileName))
	if err != nil {
		return 0
	}
	defer f.Close()

	day, err := wire.ReadInt32(f)
	if err != nil || day < 0 || int(day) >= totalDays {
		return 0
	}
	return int(day)
}

func saveDayPointer(dataDir string, day int) error {
	f, err := os.Create(filepath.Join(dataDir, stateFileName))
	if err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := wire.WriteInt32(f, int32(day)); err != nil {
		f.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
