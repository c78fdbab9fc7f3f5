package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/mnemo/pkg/memory"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/xeipuuv/gojsonschema"
)

// BatchSchema is the JSON schema of a batch file handed to "mnemo ingest".
const BatchSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["entries"],
	"properties": {
		"last_item_id": {"type": ["string", "null"]},
		"entries": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["content"],
				"properties": {
					"id": {"type": "string"},
					"timestamp": {"type": "string"},
					"content": {"type": "string"},
					"metadata": {"type": ["object", "null"]}
				}
			}
		}
	}
}`

// ErrInvalidBatch is returned when a batch file does not match BatchSchema.
var ErrInvalidBatch = errors.New("invalid ingest batch")

var batchSchemaLoader = gojsonschema.NewStringLoader(BatchSchema)

type batchFile struct {
	LastItemID *string      `json:"last_item_id"`
	Entries    []batchEntry `json:"entries"`
}

type batchEntry struct {
	ID        string                 `json:"id"`
	Timestamp string                 `json:"timestamp"`
	Content   string                 `json:"content"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// DecodeBatch validates and decodes a batch file for source. Entries without
// an id get a generated one; entries without a timestamp get now.
func DecodeBatch(data []byte, projectKey, source string, now time.Time) (Batch, error) {
	result, err := gojsonschema.Validate(batchSchemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return Batch{}, fmt.Errorf("%w: %s", ErrInvalidBatch, strings.Join(msgs, "; "))
	}

	var file batchFile
	if err := json.Unmarshal(data, &file); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	entries := make([]memory.Entry, 0, len(file.Entries))
	for i, be := range file.Entries {
		id := be.ID
		if id == "" {
			if id, err = gonanoid.New(); err != nil {
				return Batch{}, fmt.Errorf("generate id: %w", err)
			}
		}

		ts := now
		if be.Timestamp != "" {
			if ts, err = time.Parse(time.RFC3339Nano, be.Timestamp); err != nil {
				return Batch{}, fmt.Errorf("%w: entry %d: bad timestamp %q", ErrInvalidBatch, i, be.Timestamp)
			}
		}

		entries = append(entries, memory.Entry{
			ID:        id,
			Source:    source,
			Timestamp: ts,
			Content:   be.Content,
			Metadata:  be.Metadata,
		})
	}

	return Batch{
		ProjectKey: projectKey,
		Source:     source,
		Entries:    entries,
		LastItemID: file.LastItemID,
	}, nil
}
