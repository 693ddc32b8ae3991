package cache

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	t.Helper()
	sqliteFile, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	sqliteMem, err := NewSQLiteProvider("")
	require.NoError(t, err)
	badgerMem, err := NewBadgerProvider("")
	require.NoError(t, err)
	badgerDir, err := NewBadgerProvider(t.TempDir())
	require.NoError(t, err)

	ps := map[string]Provider{
		"memory":        NewMemProvider(),
		"sqlite":        sqliteFile,
		"sqlite-memory": sqliteMem,
		"badger":        badgerDir,
		"badger-memory": badgerMem,
	}
	t.Cleanup(func() {
		for _, p := range ps {
			p.Close()
		}
	})
	return ps
}

func TestProviderCacheNamesInCreationOrder(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			for _, n := range []string{"geoportal-v2", "geoportal-v1", "geoportal-v3"} {
				created, err := p.CreateCache(ctx, n)
				require.NoError(t, err)
				assert.True(t, created)
			}
			created, err := p.CreateCache(ctx, "geoportal-v1")
			require.NoError(t, err)
			assert.False(t, created, "second create is a no-op")

			names, err := p.CacheNames(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"geoportal-v2", "geoportal-v1", "geoportal-v3"}, names)

			has, err := p.HasCache(ctx, "geoportal-v1")
			require.NoError(t, err)
			assert.True(t, has)
			has, err = p.HasCache(ctx, "geoportal-v9")
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestProviderEntries(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := p.CreateCache(ctx, "c")
			require.NoError(t, err)
			require.NoError(t, p.PutEntries(ctx, "c", []Entry{
				{Key: "GET:http://a/1\t", Bytes: []byte("one")},
				{Key: "GET:http://a/2\t", Bytes: []byte("two")},
				{Key: "GET:http://a/1%\t", Bytes: []byte("percent")},
			}))

			entries, err := p.Entries(ctx, "c", "GET:http://a/1\t")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "one", string(entries[0].Bytes))

			all, err := p.Entries(ctx, "c", "")
			require.NoError(t, err)
			assert.Len(t, all, 3)

			// replacing moves the entry to the end
			require.NoError(t, p.PutEntries(ctx, "c", []Entry{{Key: "GET:http://a/1\t", Bytes: []byte("uno")}}))
			all, err = p.Entries(ctx, "c", "")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "GET:http://a/1\t", all[2].Key)
			assert.Equal(t, "uno", string(all[2].Bytes))

			removed, err := p.DeleteEntries(ctx, "c", []string{"GET:http://a/2\t", "GET:http://a/missing\t"})
			require.NoError(t, err)
			assert.Equal(t, 1, removed)
			all, err = p.Entries(ctx, "c", "")
			require.NoError(t, err)
			assert.Len(t, all, 2)
		})
	}
}

func TestProviderPutToMissingCache(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			err := p.PutEntries(ctx, "nope", []Entry{{Key: "k", Bytes: []byte("v")}})
			assert.ErrorIs(t, err, ErrNoSuchCache)
		})
	}
}

func TestProviderDeleteCache(t *testing.T) {
	ctx := context.Background()
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			_, err := p.CreateCache(ctx, "old")
			require.NoError(t, err)
			_, err = p.CreateCache(ctx, "new")
			require.NoError(t, err)
			require.NoError(t, p.PutEntries(ctx, "old", []Entry{{Key: "k", Bytes: []byte("v")}}))

			deleted, err := p.DeleteCache(ctx, "old")
			require.NoError(t, err)
			assert.True(t, deleted)
			deleted, err = p.DeleteCache(ctx, "old")
			require.NoError(t, err)
			assert.False(t, deleted)

			names, err := p.CacheNames(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"new"}, names)

			// entries are gone with the cache
			_, err = p.CreateCache(ctx, "old")
			require.NoError(t, err)
			entries, err := p.Entries(ctx, "old", "")
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestSQLiteProviderPersists(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "cache.db")
	p, err := NewSQLiteProvider(filename)
	require.NoError(t, err)
	_, err = p.CreateCache(ctx, "geoportal-v3")
	require.NoError(t, err)
	require.NoError(t, p.PutEntries(ctx, "geoportal-v3", []Entry{{Key: "k", Bytes: []byte("v")}}))
	require.NoError(t, p.Close())

	p, err = NewSQLiteProvider(filename)
	require.NoError(t, err)
	defer p.Close()
	entries, err := p.Entries(ctx, "geoportal-v3", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v", string(entries[0].Bytes))
}

func TestBadgerProviderPersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	p, err := NewBadgerProvider(dir)
	require.NoError(t, err)
	_, err = p.CreateCache(ctx, "geoportal-v2")
	require.NoError(t, err)
	_, err = p.CreateCache(ctx, "geoportal-v3")
	require.NoError(t, err)
	require.NoError(t, p.PutEntries(ctx, "geoportal-v3", []Entry{{Key: "k", Bytes: []byte("v")}}))
	require.NoError(t, p.Close())

	p, err = NewBadgerProvider(dir)
	require.NoError(t, err)
	defer p.Close()
	names, err := p.CacheNames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"geoportal-v2", "geoportal-v3"}, names)
	entries, err := p.Entries(ctx, "geoportal-v3", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v", string(entries[0].Bytes))
}
