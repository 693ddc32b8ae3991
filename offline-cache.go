package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/fetch"
	"github.com/always-cache/offline-cache/pkg/lifecycle"
	"github.com/always-cache/offline-cache/pkg/metrics"

	"github.com/rs/zerolog"
)

// DefaultCacheName is the name of the current cache generation.
const DefaultCacheName = "geoportal-v3"

// DefaultAssets are the resources stored on install, relative to the scope.
var DefaultAssets = []string{
	"./",
	"./index.html",
	"./style.css",
	"./img/logo/logo.png",
}

// ErrInstallFailed is wrapped by the error of a failed install.
var ErrInstallFailed = errors.New("install failed")

type Config struct {
	// Storage for the named caches.
	Store cache.Store
	// Network fetch used for populating the cache and for cache misses.
	Network fetch.Fetcher
	// Name of the current cache. DefaultCacheName is used if empty.
	CacheName string
	// Resources to store on install. DefaultAssets are used if nil.
	Assets []string
	// URL the asset paths are relative to.
	Scope url.URL
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Optional metrics.
	Metrics *metrics.Metrics
}

// Agent is an offline cache worker: it stores its assets on install,
// answers requests from the cache when it can, and removes old caches on activation.
type Agent struct {
	store     cache.Store
	network   fetch.Fetcher
	cacheName string
	assets    []*url.URL
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

var _ lifecycle.Worker = (*Agent)(nil)

// New creates the agent. It fails if an asset path can not be parsed.
func New(config Config) (*Agent, error) {
	if config.Store == nil || config.Network == nil {
		return nil, errors.New("store and network are required")
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	a := &Agent{
		store:     config.Store,
		network:   config.Network,
		cacheName: config.CacheName,
		metrics:   config.Metrics,
	}
	if a.cacheName == "" {
		a.cacheName = DefaultCacheName
	}
	a.log = logger.With().Str("cache", a.cacheName).Logger()

	assets := config.Assets
	if assets == nil {
		assets = DefaultAssets
	}
	for _, asset := range assets {
		ref, err := url.Parse(asset)
		if err != nil {
			return nil, fmt.Errorf("invalid asset %q: %w", asset, err)
		}
		a.assets = append(a.assets, config.Scope.ResolveReference(ref))
	}

	return a, nil
}

// CacheName returns the name of the current cache.
func (a *Agent) CacheName() string {
	return a.cacheName
}

// Assets returns the absolute URLs of the assets stored on install.
func (a *Agent) Assets() []string {
	urls := make([]string, 0, len(a.assets))
	for _, u := range a.assets {
		urls = append(urls, u.String())
	}
	return urls
}

// Install opens the current cache and stores all assets in it.
// It completes only after every asset has been stored; if any asset fails,
// the install fails.
func (a *Agent) Install(ctx context.Context) *lifecycle.Pending[struct{}] {
	return lifecycle.Go(ctx, func(ctx context.Context) (struct{}, error) {
		err := a.install(ctx)
		a.metrics.RecordInstall(err)
		return struct{}{}, err
	})
}

func (a *Agent) install(ctx context.Context) error {
	c, err := a.store.Open(ctx, a.cacheName)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	a.log.Info().Msg("Cache opened")

	requests := make([]*http.Request, 0, len(a.assets))
	for _, u := range a.assets {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInstallFailed, err)
		}
		requests = append(requests, req)
	}
	if err := c.AddAll(ctx, a.network, requests); err != nil {
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	a.log.Trace().Int("assets", len(requests)).Msg("Assets stored")
	return nil
}

// Fetch answers the request with a stored response from any cache.
// If there is none, the request goes to the network and that result is returned as-is.
// Network responses are not stored.
func (a *Agent) Fetch(ctx context.Context, r *http.Request) *lifecycle.Pending[*http.Response] {
	return lifecycle.Go(ctx, func(ctx context.Context) (*http.Response, error) {
		res, ok, err := a.store.Match(ctx, r)
		if err != nil {
			a.log.Trace().Err(err).Str("url", r.URL.String()).Msg("Lookup failed, using network")
		} else if ok {
			a.log.Trace().Str("url", r.URL.String()).Msg("Cache hit")
			a.metrics.RecordFetch(metrics.ResultHit)
			return res, nil
		}

		res, err = a.network.Fetch(r)
		if err != nil {
			a.metrics.RecordFetch(metrics.ResultError)
			return nil, err
		}
		a.log.Trace().Str("url", r.URL.String()).Msg("Cache miss")
		a.metrics.RecordFetch(metrics.ResultMiss)
		return res, nil
	})
}

// Activate deletes every cache except the current one.
// Deletions are independent: one failing does not stop the others.
// The returned error joins all failures.
func (a *Agent) Activate(ctx context.Context) *lifecycle.Pending[struct{}] {
	return lifecycle.Go(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.activate(ctx)
	})
}

func (a *Agent) activate(ctx context.Context) error {
	names, err := a.store.Keys(ctx)
	if err != nil {
		return fmt.Errorf("could not list caches: %w", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(names))
	for i, name := range names {
		if name == a.cacheName {
			continue
		}
		a.log.Info().Str("stale", name).Msg("Deleting stale cache")
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.store.Delete(ctx, name); err != nil {
				a.metrics.RecordDeleteError()
				errs[i] = fmt.Errorf("could not delete cache %s: %w", name, err)
				return
			}
			a.metrics.RecordStaleDeleted()
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
