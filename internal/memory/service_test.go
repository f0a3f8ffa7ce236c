package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskhive/taskhive/internal/db"
	"github.com/taskhive/taskhive/internal/storage"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	handle, err := db.OpenSQLite(filepath.Join(t.TempDir(), "taskhive.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = handle.Close() })

	store := storage.New(handle, nil)
	require.NoError(t, store.InitSchema(context.Background()))
	return NewService(store, nil)
}

func TestSaveDefaults(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Save(ctx, SaveRequest{Value: "x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	entry, err := svc.Save(ctx, SaveRequest{Key: "conventions", Value: "tabs not spaces"})
	require.NoError(t, err)
	assert.Equal(t, "text", entry.Type)
	assert.Equal(t, "", entry.Namespace)
}

func TestSaveThenReadBumpsAccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Save(ctx, SaveRequest{
		Key: "api-notes", Value: "v1 is frozen", Namespace: "team", Metadata: `{"author":"a1"}`})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	entry, err := svc.Read(ctx, "api-notes", "team")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "v1 is frozen", entry.Value)
	assert.Equal(t, `{"author":"a1"}`, entry.Metadata)
	assert.True(t, entry.LastAccessedAt.After(entry.CreatedAt))
}

func TestReadMissingReturnsNil(t *testing.T) {
	svc := newTestService(t)

	entry, err := svc.Read(context.Background(), "nothing", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestOverwritePreservesCreatedAt(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Save(ctx, SaveRequest{Key: "k", Value: "one"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = svc.Save(ctx, SaveRequest{Key: "k", Value: "two"})
	require.NoError(t, err)

	entry, err := svc.Read(ctx, "k", "")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "two", entry.Value)
	assert.Equal(t,
		first.CreatedAt.Truncate(time.Millisecond),
		entry.CreatedAt.UTC().Truncate(time.Millisecond))
	assert.True(t, entry.UpdatedAt.After(entry.CreatedAt))
}

func TestNamespacesIsolate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Save(ctx, SaveRequest{Key: "k", Value: "global"})
	require.NoError(t, err)
	_, err = svc.Save(ctx, SaveRequest{Key: "k", Value: "scoped", Namespace: "agent-1"})
	require.NoError(t, err)

	entry, err := svc.Read(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, "global", entry.Value)

	entry, err = svc.Read(ctx, "k", "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "scoped", entry.Value)

	scoped, err := svc.List(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "scoped", scoped[0].Value)
}

func TestDelete(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Save(ctx, SaveRequest{Key: "k", Value: "v"})
	require.NoError(t, err)

	removed, err := svc.Delete(ctx, "k", "")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = svc.Delete(ctx, "k", "")
	require.NoError(t, err)
	assert.False(t, removed)

	entry, err := svc.Read(ctx, "k", "")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestUpdateAccess(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	saved, err := svc.Save(ctx, SaveRequest{Key: "k", Value: "v"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, svc.UpdateAccess(ctx, "k", ""))

	entry, err := svc.Read(ctx, "k", "")
	require.NoError(t, err)
	assert.True(t, entry.LastAccessedAt.After(saved.CreatedAt))

	err = svc.UpdateAccess(ctx, "missing", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
