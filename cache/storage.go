package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/fetch"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrMethodNotSupported is returned when putting a non-GET request.
var ErrMethodNotSupported = cachekey.ErrMethodNotSupported

// ErrDuplicateRequest is returned by AddAll if two requests would be stored under the same key.
var ErrDuplicateRequest = errors.New("duplicate request")

// BadResponseError is returned for responses that may not be stored.
type BadResponseError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *BadResponseError) Error() string {
	return fmt.Sprintf("bad response for %s (status %d): %s", e.URL, e.StatusCode, e.Reason)
}

// Store is a collection of named caches.
type Store interface {
	// Open returns the named cache, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	// Has checks if the named cache exists.
	Has(ctx context.Context, name string) (bool, error)
	// Match looks for a stored response in all caches, oldest cache first.
	// The boolean is false if there is no matching response.
	Match(ctx context.Context, r *http.Request) (*http.Response, bool, error)
	// Keys returns the names of all caches, oldest first.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes the named cache. It returns false if there was no such cache.
	Delete(ctx context.Context, name string) (bool, error)
}

// Cache is a handle to a single named cache.
type Cache interface {
	Name() string
	// Match returns the first stored response matching the request.
	Match(ctx context.Context, r *http.Request) (*http.Response, bool, error)
	// Put stores the response for the request, replacing any matching entry.
	Put(ctx context.Context, r *http.Request, res *http.Response) error
	// AddAll fetches all requests and stores the responses.
	// Nothing is stored unless every fetch returned a successful response.
	AddAll(ctx context.Context, f fetch.Fetcher, requests []*http.Request) error
	// Delete removes all entries matching the request.
	Delete(ctx context.Context, r *http.Request) (bool, error)
	// Requests returns the requests of all stored entries.
	Requests(ctx context.Context) ([]*http.Request, error)
}

// Storage implements Store on top of a Provider.
type Storage struct {
	provider Provider
	log      zerolog.Logger
}

// NewStorage creates a store backed by the given provider.
// A console logger is used if logger is nil.
func NewStorage(provider Provider, logger *zerolog.Logger) *Storage {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	return &Storage{
		provider: provider,
		log:      l,
	}
}

func (s *Storage) Open(ctx context.Context, name string) (Cache, error) {
	created, err := s.provider.CreateCache(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("could not open cache %s: %w", name, err)
	}
	if created {
		s.log.Trace().Str("cache", name).Msg("Created cache")
	}
	return s.handle(name), nil
}

func (s *Storage) Has(ctx context.Context, name string) (bool, error) {
	return s.provider.HasCache(ctx, name)
}

func (s *Storage) Match(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	names, err := s.provider.CacheNames(ctx)
	if err != nil {
		return nil, false, err
	}
	for _, name := range names {
		res, ok, err := s.handle(name).Match(ctx, r)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return res, true, nil
		}
	}
	return nil, false, nil
}

func (s *Storage) Keys(ctx context.Context) ([]string, error) {
	return s.provider.CacheNames(ctx)
}

func (s *Storage) Delete(ctx context.Context, name string) (bool, error) {
	return s.provider.DeleteCache(ctx, name)
}

func (s *Storage) handle(name string) *namedCache {
	return &namedCache{
		name:     name,
		provider: s.provider,
		log:      s.log.With().Str("cache", name).Logger(),
	}
}

type namedCache struct {
	name     string
	provider Provider
	log      zerolog.Logger
}

func (c *namedCache) Name() string {
	return c.name
}

func (c *namedCache) Match(ctx context.Context, r *http.Request) (*http.Response, bool, error) {
	matches, err := c.matching(ctx, r, true)
	if err != nil || len(matches) == 0 {
		return nil, false, err
	}
	return matches[0].response, true, nil
}

func (c *namedCache) Put(ctx context.Context, r *http.Request, res *http.Response) error {
	e, err := newEntry(r, res)
	if err != nil {
		return err
	}
	if err := c.provider.PutEntries(ctx, c.name, []Entry{e}); err != nil {
		return fmt.Errorf("could not write to cache %s: %w", c.name, err)
	}
	c.log.Trace().Str("key", e.Key).Msg("Cache write")
	return nil
}

func (c *namedCache) AddAll(ctx context.Context, f fetch.Fetcher, requests []*http.Request) error {
	entries := make([]Entry, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range requests {
		g.Go(func() error {
			req := r.Clone(gctx)
			res, err := f.Fetch(req)
			if err != nil {
				var fetchErr *fetch.Error
				if !errors.As(err, &fetchErr) {
					err = &fetch.Error{URL: req.URL.String(), Err: err}
				}
				return err
			}
			if res.StatusCode < 200 || res.StatusCode > 299 {
				drain(res)
				return &BadResponseError{URL: req.URL.String(), StatusCode: res.StatusCode, Reason: "not ok"}
			}
			e, err := newEntry(req, res)
			drain(res)
			if err != nil {
				return err
			}
			entries[i] = e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if seen[e.Key] {
			return fmt.Errorf("%w: %s", ErrDuplicateRequest, e.Key)
		}
		seen[e.Key] = true
	}
	if err := c.provider.PutEntries(ctx, c.name, entries); err != nil {
		return fmt.Errorf("could not write to cache %s: %w", c.name, err)
	}
	c.log.Trace().Int("entries", len(entries)).Msg("Cache populated")
	return nil
}

func (c *namedCache) Delete(ctx context.Context, r *http.Request) (bool, error) {
	matches, err := c.matching(ctx, r, false)
	if err != nil || len(matches) == 0 {
		return false, err
	}
	keys := make([]string, 0, len(matches))
	for _, m := range matches {
		keys = append(keys, m.key)
	}
	removed, err := c.provider.DeleteEntries(ctx, c.name, keys)
	return removed > 0, err
}

func (c *namedCache) Requests(ctx context.Context) ([]*http.Request, error) {
	entries, err := c.provider.Entries(ctx, c.name, "")
	if err != nil {
		return nil, err
	}
	requests := make([]*http.Request, 0, len(entries))
	for _, e := range entries {
		req, err := cachekey.RequestFromKey(e.Key)
		if err != nil {
			c.log.Warn().Err(err).Str("key", e.Key).Msg("Could not create request from key")
			continue
		}
		requests = append(requests, req)
	}
	return requests, nil
}

type match struct {
	key      string
	response *http.Response
}

// matching returns the stored entries for the request, taking vary headers into account.
// If first is true, it stops at the first match.
func (c *namedCache) matching(ctx context.Context, r *http.Request, first bool) ([]match, error) {
	prefix, err := cachekey.Prefix(r)
	if errors.Is(err, cachekey.ErrMethodNotSupported) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	entries, err := c.provider.Entries(ctx, c.name, prefix)
	if err != nil {
		return nil, fmt.Errorf("could not retrieve from cache %s: %w", c.name, err)
	}
	c.log.Trace().Str("key", prefix).Msgf("Found %v cache entries", len(entries))

	matches := make([]match, 0)
	for _, e := range entries {
		_, res, err := serializer.Decode(e.Bytes)
		if err != nil {
			c.log.Warn().Err(err).Str("key", e.Key).Msg("Could not decode stored response")
			continue
		}
		if key, ok := cachekey.WithVary(prefix, r, res); ok && key == e.Key {
			matches = append(matches, match{key: e.Key, response: res})
			if first {
				break
			}
		}
	}
	return matches, nil
}

// newEntry serializes the request/response pair, after checking it may be stored.
func newEntry(r *http.Request, res *http.Response) (Entry, error) {
	prefix, err := cachekey.Prefix(r)
	if err != nil {
		return Entry{}, err
	}
	if res.StatusCode == http.StatusPartialContent {
		return Entry{}, &BadResponseError{URL: r.URL.String(), StatusCode: res.StatusCode, Reason: "partial content"}
	}
	key, ok := cachekey.WithVary(prefix, r, res)
	if !ok {
		return Entry{}, &BadResponseError{URL: r.URL.String(), StatusCode: res.StatusCode, Reason: "vary: *"}
	}
	req := r.Clone(r.Context())
	req.URL = cachekey.RequestURL(r)
	bts, err := serializer.Encode(req, res)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Key: key, Bytes: bts}, nil
}

func drain(res *http.Response) {
	if res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}
