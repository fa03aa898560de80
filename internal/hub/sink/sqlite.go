package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taskbridge/taskbridge/internal/hub/db"
	"github.com/taskbridge/taskbridge/internal/hub/event"
	"github.com/taskbridge/taskbridge/internal/hub/msgcodec"
)

// Payloads below this size are stored uncompressed; zstd framing would
// only add overhead.
const compressThreshold = 512

// SQLite persists events to the hub database, one row per event with a
// per-job sequence number.
type SQLite struct {
	store *db.Store
}

// NewSQLite returns a Sink backed by the given store.
func NewSQLite(store *db.Store) *SQLite {
	return &SQLite{store: store}
}

func (s *SQLite) Persist(ctx context.Context, ev event.Event) error {
	payload := []byte(ev.Payload)
	compression := msgcodec.CompressionNone
	if len(payload) >= compressThreshold {
		payload, compression = msgcodec.Compress(payload)
	}

	_, err := s.store.AppendEvent(ctx, db.AppendEventParams{
		JobID:       ev.JobID,
		Type:        string(ev.Type),
		Timestamp:   ev.Timestamp,
		Payload:     payload,
		Compression: compression,
	})
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// History replays persisted events for a job with seq greater than
// afterSeq, decompressing payloads.
func (s *SQLite) History(ctx context.Context, jobID string, afterSeq, limit int64) ([]event.Event, error) {
	rows, err := s.store.ListEventsByJobID(ctx, jobID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}

	events := make([]event.Event, 0, len(rows))
	for _, row := range rows {
		payload, err := msgcodec.Decompress(row.Payload, row.Compression)
		if err != nil {
			return nil, fmt.Errorf("decompress event %d: %w", row.ID, err)
		}
		events = append(events, event.Event{
			Type:      event.Type(row.Type),
			JobID:     row.JobID,
			Timestamp: row.Timestamp,
			Payload:   json.RawMessage(payload),
		})
	}
	return events, nil
}
