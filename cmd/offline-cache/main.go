package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/fetch"
	"github.com/always-cache/offline-cache/pkg/lifecycle"
	"github.com/always-cache/offline-cache/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	providerFlag       string
	dbFlag             string
	cacheNameFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set at build time
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the application, including base path (overrides config)")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin (overrides config)")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config, default 8080)")
	flag.StringVar(&providerFlag, "provider", "", "Cache provider: sqlite, badger or memory (overrides config)")
	flag.StringVar(&dbFlag, "db", "", "Cache DB file or directory (overrides config)")
	flag.StringVar(&cacheNameFlag, "cache-name", "", "Name of the current cache (overrides config)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config := defaultConfig()
	if configFilenameFlag != "" {
		c, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config")
		}
		config = c
	}
	applyFlags(&config)

	logger := setupLogger(config.LogFile)

	if config.Origin == "" {
		logger.Fatal().Msg("Please specify origin")
	}
	scope, err := url.Parse(config.Origin)
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not parse origin url")
	}

	provider, err := newProvider(config.Store)
	if err != nil {
		logger.Fatal().Err(err).Str("provider", config.Store.Provider).Msg("Could not open cache provider")
	}
	defer provider.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())

	network := fetch.NewOrigin(*scope, config.Host)
	agent, err := offlinecache.New(offlinecache.Config{
		Store:     cache.NewStorage(provider, &logger),
		Network:   network,
		CacheName: config.CacheName,
		Assets:    config.Assets,
		Scope:     *scope,
		Logger:    &logger,
		Metrics:   metrics.New(reg),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Could not create agent")
	}
	host := lifecycle.NewHost(lifecycle.HostConfig{
		Worker:  agent,
		Network: network,
		Scope:   *scope,
		Logger:  &logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := host.Install(ctx); err != nil {
		logger.Error().Err(err).Msg("Install failed, requests go to the network")
	} else if err := host.Activate(ctx); err != nil {
		logger.Warn().Err(err).Msg("Activation did not complete cleanly")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: newRouter(host, agent, reg, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logger.Info().Msgf("Serving %s on port %d (cache %s)", scope.String(), config.Port, agent.CacheName())
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

func applyFlags(config *Config) {
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag > 0 {
		config.Port = portFlag
	}
	if providerFlag != "" {
		config.Store.Provider = providerFlag
	}
	if dbFlag != "" {
		config.Store.Path = dbFlag
	}
	if cacheNameFlag != "" {
		config.CacheName = cacheNameFlag
	}
	if logFilenameFlag != "" {
		config.LogFile = logFilenameFlag
	}
}

// setupLogger logs to stdout, and also to logfile if specified.
func setupLogger(logFilename string) zerolog.Logger {
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilename != "" {
		if logFileOutput, err := os.OpenFile(logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return log.Logger
}

func newProvider(store Store) (cache.Provider, error) {
	switch store.Provider {
	case "sqlite":
		return cache.NewSQLiteProvider(store.Path)
	case "badger":
		return cache.NewBadgerProvider(store.Path)
	case "memory":
		return cache.NewMemProvider(), nil
	}
	return nil, fmt.Errorf("unsupported cache provider: %s", store.Provider)
}

type agentInfo interface {
	CacheName() string
	Assets() []string
}

type lifecycleHost interface {
	http.Handler
	State() lifecycle.State
	Install(ctx context.Context) error
	Activate(ctx context.Context) error
}

// newRouter mounts the control routes and metrics; everything else goes to the host.
func newRouter(host lifecycleHost, agent agentInfo, gatherer prometheus.Gatherer, logger zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(logger))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request served")
	}))
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/.agent", func(r chi.Router) {
		r.Get("/state", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"state":  host.State().String(),
				"cache":  agent.CacheName(),
				"assets": agent.Assets(),
			})
		})
		r.Post("/install", lifecycleHandler(host.Install))
		r.Post("/activate", lifecycleHandler(host.Activate))
	})
	r.Handle("/*", host)
	return r
}

func lifecycleHandler(dispatch func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := dispatch(r.Context()); err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("path", r.URL.Path).Msg("Lifecycle event failed")
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
