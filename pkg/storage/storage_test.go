package storage

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/harun/mnemo/pkg/memory"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStorage(t *testing.T) *Storage {
	t.Helper()

	s, err := Open(Config{
		Root:   t.TempDir(),
		Logger: zerolog.New(os.Stdout).Level(zerolog.Disabled),
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRequireProject(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	t.Run("unregistered", func(t *testing.T) {
		err := s.RequireProject(ctx, "ACME")
		assert.True(t, errors.Is(err, ErrProjectNotFound))
	})

	t.Run("registered without directory", func(t *testing.T) {
		_, err := s.Projects().Register(ctx, "GHOST", "Ghost")
		require.NoError(t, err)

		err = s.RequireProject(ctx, "GHOST")
		assert.True(t, errors.Is(err, ErrProjectNotFound))

		_, err = s.Memory(ctx, "GHOST")
		assert.True(t, errors.Is(err, ErrProjectNotFound))
		_, err = s.Knowledge(ctx, "GHOST")
		assert.True(t, errors.Is(err, ErrProjectNotFound))

		// Read paths never create structure
		exists, err := s.Layout().ProjectExists("GHOST")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("initialized", func(t *testing.T) {
		p, err := s.InitProject(ctx, "ACME", "Acme")
		require.NoError(t, err)
		assert.Equal(t, "Acme", p.DisplayName)
		assert.NoError(t, s.RequireProject(ctx, "ACME"))
	})
}

func TestInitProject_Idempotent(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	_, err := s.InitProject(ctx, "ACME", "Acme")
	require.NoError(t, err)
	_, err = s.InitProject(ctx, "ACME", "Acme")
	require.NoError(t, err)

	projects, err := s.Projects().List(ctx)
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestMemory_SharedStoreAndHooks(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	var hooked []string
	s.OnMemoryAppend(func(_ context.Context, projectKey, source string, entries []memory.Entry) {
		hooked = append(hooked, projectKey+"/"+source)
	})

	_, err := s.InitProject(ctx, "ACME", "Acme")
	require.NoError(t, err)

	m1, err := s.Memory(ctx, "ACME")
	require.NoError(t, err)
	m2, err := s.Memory(ctx, "ACME")
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	n, err := m1.AppendBatch(ctx, "email", []memory.Entry{{ID: "1", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"ACME/email"}, hooked)
}

func TestKnowledge(t *testing.T) {
	s := createTestStorage(t)
	ctx := context.Background()

	_, err := s.InitProject(ctx, "ACME", "")
	require.NoError(t, err)

	k, err := s.Knowledge(ctx, "ACME")
	require.NoError(t, err)

	created, err := k.AddTerm(ctx, "SLA", "Service level agreement", nil, "")
	require.NoError(t, err)
	assert.True(t, created)
}
