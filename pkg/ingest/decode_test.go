package ingest

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeBatch(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	data := []byte(`{
		"last_item_id": "msg-2",
		"entries": [
			{"id": "msg-1", "timestamp": "2024-05-30T08:00:00Z", "content": "first", "metadata": {"title": "Hello"}},
			{"content": "second"}
		]
	}`)

	batch, err := DecodeBatch(data, "ACME", "email", now)
	require.NoError(t, err)

	assert.Equal(t, "ACME", batch.ProjectKey)
	assert.Equal(t, "email", batch.Source)
	require.NotNil(t, batch.LastItemID)
	assert.Equal(t, "msg-2", *batch.LastItemID)
	require.Len(t, batch.Entries, 2)

	first := batch.Entries[0]
	assert.Equal(t, "msg-1", first.ID)
	assert.Equal(t, "email", first.Source)
	assert.True(t, first.Timestamp.Equal(time.Date(2024, 5, 30, 8, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Hello", first.Metadata["title"])

	second := batch.Entries[1]
	assert.Len(t, second.ID, 21)
	assert.Equal(t, now, second.Timestamp)
	assert.Equal(t, "second", second.Content)
}

func TestDecodeBatch_Invalid(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name string
		data string
	}{
		{"not json", `entries`},
		{"missing entries", `{"last_item_id": "x"}`},
		{"entry without content", `{"entries": [{"id": "a"}]}`},
		{"wrong content type", `{"entries": [{"content": 42}]}`},
		{"bad timestamp", `{"entries": [{"content": "a", "timestamp": "yesterday"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBatch([]byte(tt.data), "ACME", "email", now)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidBatch))
		})
	}
}
