package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"barmirror/internal/domain"
	"barmirror/internal/store"
)

// ErrInvalidBar rejects a batch containing a malformed row.
var ErrInvalidBar = errors.New("invalid bar")

// WriteError is a failed append. Writes are never retried.
type WriteError struct {
	Symbol      string
	Granularity domain.Granularity
	Rows        int
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %d %s bars for %s: %v", e.Rows, e.Granularity, e.Symbol, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Writer validates batches and appends them to the bar store.
type Writer struct {
	store store.BarStore
	log   *slog.Logger
}

// NewWriter creates a Writer over s.
func NewWriter(s store.BarStore, log *slog.Logger) *Writer {
	return &Writer{store: s, log: log.With("component", "writer")}
}

// Append stores rows as one atomic batch. Rows that already exist are
// dropped by the store. It returns the number of rows attempted and the
// number actually inserted. One invalid row rejects the whole batch before
// the store is touched.
func (w *Writer) Append(ctx context.Context, gran domain.Granularity, rows []domain.Bar) (attempted, inserted int, err error) {
	if len(rows) == 0 {
		return 0, 0, nil
	}

	for _, b := range rows {
		if err := validateRow(gran, b); err != nil {
			return 0, 0, &WriteError{Symbol: rows[0].Symbol, Granularity: gran, Rows: len(rows), Err: err}
		}
	}

	inserted, err = w.store.AppendBars(ctx, gran, rows)
	if err != nil {
		return 0, 0, &WriteError{Symbol: rows[0].Symbol, Granularity: gran, Rows: len(rows), Err: err}
	}

	w.log.Debug("appended",
		"symbol", rows[0].Symbol,
		"granularity", gran,
		"attempted", len(rows),
		"inserted", inserted,
	)
	return len(rows), inserted, nil
}

func validateRow(gran domain.Granularity, b domain.Bar) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBar, err)
	}
	if b.Granularity != gran {
		return fmt.Errorf("%w: %s bar in %s batch", ErrInvalidBar, b.Granularity, gran)
	}
	return nil
}
