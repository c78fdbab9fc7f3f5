package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidEntry is returned when an entry cannot be written to a journal.
var ErrInvalidEntry = errors.New("invalid memory entry")

// Entry is one immutable fact ingested from an external source.
type Entry struct {
	ID        string
	Source    string
	Timestamp time.Time // event time
	Content   string
	Metadata  map[string]interface{}
	SyncedAt  time.Time // ingestion time
}

// record is the persisted journal line.
type record struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	Timestamp string                 `json:"timestamp"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
	SyncedAt  string                 `json:"synced_at"`
}

func (e Entry) validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id cannot be empty", ErrInvalidEntry)
	}
	return nil
}

func encodeEntry(e Entry) ([]byte, error) {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	return json.Marshal(record{
		ID:        e.ID,
		Source:    e.Source,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Content:   e.Content,
		Metadata:  metadata,
		SyncedAt:  e.SyncedAt.UTC().Format(time.RFC3339Nano),
	})
}

func decodeEntry(line []byte) (Entry, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return Entry{}, err
	}
	if r.ID == "" {
		return Entry{}, errors.New("missing id")
	}

	e := Entry{
		ID:       r.ID,
		Source:   r.Source,
		Content:  r.Content,
		Metadata: r.Metadata,
	}
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}

	var err error
	if e.Timestamp, err = parseTime(r.Timestamp); err != nil {
		return Entry{}, fmt.Errorf("bad timestamp: %w", err)
	}
	if e.SyncedAt, err = parseTime(r.SyncedAt); err != nil {
		return Entry{}, fmt.Errorf("bad synced_at: %w", err)
	}
	return e, nil
}

// decodeID extracts the id of a line whose other fields do not decode.
func decodeID(line []byte) string {
	var r struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(line, &r); err != nil {
		return ""
	}
	return r.ID
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
