package cache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	c:<name>                 -> creation sequence number
//	e:<name>\x00<sequence>   -> uvarint(len(key)) key bytes
const (
	prefixCache = "c:"
	prefixEntry = "e:"
	sequenceKey = "seq"
)

// BadgerProvider stores caches in a Badger key-value store.
type BadgerProvider struct {
	db  *badgerdb.DB
	seq *badgerdb.Sequence
}

// NewBadgerProvider opens (or creates) a Badger database in dir.
// If dir is empty, the database is kept in memory only.
func NewBadgerProvider(dir string) (*BadgerProvider, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open badger db: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("could not get sequence: %w", err)
	}
	return &BadgerProvider{db: db, seq: seq}, nil
}

func (b *BadgerProvider) CreateCache(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	created := false
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(cacheKey(name))
		if err == nil {
			return nil
		} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
			return err
		}
		n, err := b.seq.Next()
		if err != nil {
			return err
		}
		created = true
		return txn.Set(cacheKey(name), encodeUint(n))
	})
	return created, err
}

func (b *BadgerProvider) HasCache(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(cacheKey(name))
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *BadgerProvider) CacheNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type named struct {
		name string
		seq  uint64
	}
	caches := make([]named, 0)

	err := b.db.View(func(txn *badgerdb.Txn) error {
		prefix := []byte(prefixCache)
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			caches = append(caches, named{
				name: string(item.Key()[len(prefix):]),
				seq:  binary.BigEndian.Uint64(value),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(caches, func(i, j int) bool { return caches[i].seq < caches[j].seq })
	names := make([]string, 0, len(caches))
	for _, c := range caches {
		names = append(names, c.name)
	}
	return names, nil
}

func (b *BadgerProvider) DeleteCache(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	deleted := false
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(cacheKey(name)); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		keys, err := collectKeys(txn, entryPrefix(name))
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		deleted = true
		return txn.Delete(cacheKey(name))
	})
	return deleted, err
}

func (b *BadgerProvider) Entries(ctx context.Context, name, prefix string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		return eachEntry(txn, name, func(_ []byte, e Entry) error {
			if strings.HasPrefix(e.Key, prefix) {
				entries = append(entries, e)
			}
			return nil
		})
	})
	return entries, err
}

func (b *BadgerProvider) PutEntries(ctx context.Context, name string, entries []Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(cacheKey(name)); errors.Is(err, badgerdb.ErrKeyNotFound) {
			return ErrNoSuchCache
		} else if err != nil {
			return err
		}
		replace := make(map[string]bool, len(entries))
		for _, e := range entries {
			replace[e.Key] = true
		}
		err := eachEntry(txn, name, func(dbKey []byte, e Entry) error {
			if replace[e.Key] {
				return txn.Delete(dbKey)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, e := range entries {
			n, err := b.seq.Next()
			if err != nil {
				return err
			}
			if err := txn.Set(entryKey(name, n), encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BadgerProvider) DeleteEntries(ctx context.Context, name string, keys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	remove := make(map[string]bool, len(keys))
	for _, k := range keys {
		remove[k] = true
	}
	removed := 0
	err := b.db.Update(func(txn *badgerdb.Txn) error {
		return eachEntry(txn, name, func(dbKey []byte, e Entry) error {
			if !remove[e.Key] {
				return nil
			}
			removed++
			return txn.Delete(dbKey)
		})
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (b *BadgerProvider) Close() error {
	if err := b.seq.Release(); err != nil {
		b.db.Close()
		return err
	}
	return b.db.Close()
}

// eachEntry calls cb for every entry of the named cache in insertion order.
// Keys are collected first, so cb may modify the transaction.
func eachEntry(txn *badgerdb.Txn, name string, cb func(dbKey []byte, e Entry) error) error {
	keys, err := collectKeys(txn, entryPrefix(name))
	if err != nil {
		return err
	}
	for _, k := range keys {
		item, err := txn.Get(k)
		if err != nil {
			return err
		}
		value, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		e, err := decodeEntry(value)
		if err != nil {
			return fmt.Errorf("entry %q: %w", k, err)
		}
		if err := cb(k, e); err != nil {
			return err
		}
	}
	return nil
}

func collectKeys(txn *badgerdb.Txn, prefix []byte) ([][]byte, error) {
	opts := badgerdb.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = false

	it := txn.NewIterator(opts)
	defer it.Close()

	keys := make([][]byte, 0)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func cacheKey(name string) []byte {
	return []byte(prefixCache + name)
}

func entryPrefix(name string) []byte {
	return []byte(prefixEntry + name + "\x00")
}

// entryKey uses a big endian sequence number, so keys sort in insertion order.
func entryKey(name string, n uint64) []byte {
	return append(entryPrefix(name), encodeUint(n)...)
}

func encodeUint(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

func encodeEntry(e Entry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(e.Key)))
	buf = append(buf, e.Key...)
	return append(buf, e.Bytes...)
}

func decodeEntry(value []byte) (Entry, error) {
	r := bytes.NewReader(value)
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return Entry{}, err
	}
	start := len(value) - r.Len()
	if uint64(r.Len()) < n {
		return Entry{}, errors.New("truncated entry")
	}
	end := start + int(n)
	return Entry{
		Key:   string(value[start:end]),
		Bytes: value[end:],
	}, nil
}
