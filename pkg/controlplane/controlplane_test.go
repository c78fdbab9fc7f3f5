package controlplane

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func createTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(Config{
		Path:   filepath.Join(t.TempDir(), "control.db"),
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func strPtr(s string) *string { return &s }

func TestOpen_RequiresPath(t *testing.T) {
	db, err := Open(Config{})
	assert.Error(t, err)
	assert.Nil(t, db)
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "control.db")
	ctx := context.Background()

	db, err := Open(Config{Path: path})
	require.NoError(t, err)
	_, err = db.Projects().Register(ctx, "ACME", "Acme")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// Schema creation is idempotent and data survives
	db, err = Open(Config{Path: path})
	require.NoError(t, err)
	defer db.Close()

	p, err := db.Projects().Get(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, "Acme", p.DisplayName)
}

func TestRegistry_Register(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	reg := db.Projects()

	p, err := reg.Register(ctx, "ACME", "Acme Corp")
	require.NoError(t, err)
	assert.Equal(t, "ACME", p.Key)
	assert.Equal(t, "Acme Corp", p.DisplayName)
	created := p.CreatedAt

	t.Run("upsert updates name and keeps created_at", func(t *testing.T) {
		p, err := reg.Register(ctx, "ACME", "Acme Inc")
		require.NoError(t, err)
		assert.Equal(t, "Acme Inc", p.DisplayName)
		assert.Equal(t, created, p.CreatedAt)
	})

	t.Run("empty name defaults to key", func(t *testing.T) {
		p, err := reg.Register(ctx, "BETA", "")
		require.NoError(t, err)
		assert.Equal(t, "BETA", p.DisplayName)
	})

	t.Run("empty key", func(t *testing.T) {
		_, err := reg.Register(ctx, "", "x")
		assert.Error(t, err)
	})

	projects, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "ACME", projects[0].Key)
	assert.Equal(t, "BETA", projects[1].Key)
}

func TestRegistry_GetMissing(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()

	_, err := db.Projects().Get(ctx, "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProjectNotFound))

	exists, err := db.Projects().Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSyncState_NeverSynced(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	states := db.SyncState("ACME")

	last, err := states.GetLastSync(ctx, "email")
	require.NoError(t, err)
	assert.Nil(t, last)

	item, err := states.GetLastItemID(ctx, "email")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestSyncState_Update(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	states := db.SyncState("ACME")

	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, states.UpdateSync(ctx, "email", t1, strPtr("msg-1")))

	last, err := states.GetLastSync(ctx, "email")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, t1.Equal(*last))

	item, err := states.GetLastItemID(ctx, "email")
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "msg-1", *item)

	t.Run("both fields written together", func(t *testing.T) {
		t2 := t1.Add(time.Hour)
		require.NoError(t, states.UpdateSync(ctx, "email", t2, nil))

		state, err := states.Get(ctx, "email")
		require.NoError(t, err)
		assert.True(t, t2.Equal(state.LastSyncAt))
		assert.Nil(t, state.LastItemID)
	})

	t.Run("older timestamp is ignored", func(t *testing.T) {
		require.NoError(t, states.UpdateSync(ctx, "email", t1, strPtr("stale")))

		state, err := states.Get(ctx, "email")
		require.NoError(t, err)
		assert.True(t, t1.Add(time.Hour).Equal(state.LastSyncAt))
		assert.Nil(t, state.LastItemID)
	})

	t.Run("states are scoped per project", func(t *testing.T) {
		last, err := db.SyncState("OTHER").GetLastSync(ctx, "email")
		require.NoError(t, err)
		assert.Nil(t, last)
	})

	all, err := states.States(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "email", all[0].Source)
}

func TestSyncState_ConcurrentWriters(t *testing.T) {
	db := createTestDB(t)
	ctx := context.Background()
	states := db.SyncState("ACME")

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, states.UpdateSync(ctx, "chat", base.Add(time.Duration(i)*time.Minute), nil))
		}(i)
	}
	wg.Wait()

	last, err := states.GetLastSync(ctx, "chat")
	require.NoError(t, err)
	assert.True(t, base.Add(19*time.Minute).Equal(*last))
}

func TestSpans_RecordControlPlaneCalls(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	db := createTestDB(t)
	ctx := context.Background()

	_, err := db.Projects().Register(ctx, "ACME", "Acme")
	require.NoError(t, err)
	_, err = db.Projects().List(ctx)
	require.NoError(t, err)
	states := db.SyncState("ACME")
	require.NoError(t, states.UpdateSync(ctx, "email", time.Now(), strPtr("m1")))
	_, err = states.Get(ctx, "email")
	require.NoError(t, err)
	assert.Error(t, states.UpdateSync(ctx, "", time.Now(), nil))

	spans := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		spans[s.Name()] = s
	}
	for _, name := range []string{"projects.register", "projects.get", "projects.list", "sync_state.update", "sync_state.get"} {
		assert.Contains(t, spans, name)
	}

	get := spans["sync_state.get"]
	assert.Contains(t, get.Attributes(), attribute.String("project_key", "ACME"))
	assert.Contains(t, get.Attributes(), attribute.String("source", "email"))

	var failed int
	for _, s := range recorder.Ended() {
		if s.Name() == "sync_state.update" && s.Status().Code == codes.Error {
			failed++
		}
	}
	assert.Equal(t, 1, failed)
}
