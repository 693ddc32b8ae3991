package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/always-cache/offline-cache/pkg/fetch"

	"github.com/rs/zerolog"
)

// ErrNotInstalled is returned when activating a worker that was never installed.
var ErrNotInstalled = errors.New("worker is not installed")

// Worker handles the lifecycle events dispatched by a Host.
// Every handler reports its completion through the returned Pending.
type Worker interface {
	Install(ctx context.Context) *Pending[struct{}]
	Activate(ctx context.Context) *Pending[struct{}]
	Fetch(ctx context.Context, r *http.Request) *Pending[*http.Response]
}

// State is the lifecycle state of the hosted worker.
type State int32

const (
	Uninstalled State = iota
	Installed
	Active
)

func (s State) String() string {
	switch s {
	case Uninstalled:
		return "uninstalled"
	case Installed:
		return "installed"
	case Active:
		return "active"
	}
	return "unknown"
}

type HostConfig struct {
	// The hosted worker.
	Worker Worker
	// Network used for requests not dispatched to the worker.
	Network fetch.Fetcher
	// URL of the scope controlled by the worker.
	// Intercepted requests are turned into absolute requests on this origin.
	Scope url.URL
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Host dispatches lifecycle events to a worker and intercepts HTTP requests for it.
// Lifecycle transitions run one at a time; fetch events may overlap.
type Host struct {
	worker  Worker
	network fetch.Fetcher
	scope   url.URL
	log     zerolog.Logger

	lifecycleMutex sync.Mutex
	state          atomic.Int32
}

func NewHost(config HostConfig) *Host {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Host{
		worker:  config.Worker,
		network: config.Network,
		scope:   config.Scope,
		log:     logger.With().Str("scope", config.Scope.String()).Logger(),
	}
}

// State returns the current lifecycle state.
func (h *Host) State() State {
	return State(h.state.Load())
}

// Install dispatches the install event and waits for it to complete.
// A failed install leaves the state unchanged.
func (h *Host) Install(ctx context.Context) error {
	h.lifecycleMutex.Lock()
	defer h.lifecycleMutex.Unlock()

	h.log.Trace().Msg("Dispatching install")
	if _, err := h.worker.Install(ctx).Wait(ctx); err != nil {
		return err
	}
	h.state.CompareAndSwap(int32(Uninstalled), int32(Installed))
	h.log.Debug().Stringer("state", h.State()).Msg("Worker installed")
	return nil
}

// Activate dispatches the activate event and waits for it to complete.
// The worker becomes active even if the handler reports an error,
// which is returned to the caller.
func (h *Host) Activate(ctx context.Context) error {
	h.lifecycleMutex.Lock()
	defer h.lifecycleMutex.Unlock()

	if h.State() == Uninstalled {
		return ErrNotInstalled
	}
	h.log.Trace().Msg("Dispatching activate")
	_, err := h.worker.Activate(ctx).Wait(ctx)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	h.state.Store(int32(Active))
	h.log.Debug().Stringer("state", h.State()).Msg("Worker activated")
	return err
}

// ServeHTTP implements the http.Handler interface.
// Requests are dispatched to the worker while it is active, and go to the network otherwise.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	req := h.scopedRequest(r)

	var res *http.Response
	var err error
	if h.State() == Active {
		res, err = h.worker.Fetch(r.Context(), req).Wait(r.Context())
		if errors.Is(err, ErrPanic) {
			h.log.WithLevel(zerolog.PanicLevel).Err(err).Msg("Panic in fetch handler")
			res, err = h.network.Fetch(req)
		}
	} else {
		res, err = h.network.Fetch(req)
	}
	if err != nil {
		h.log.Error().Err(err).Str("url", req.URL.String()).Msg("Could not fetch response")
		http.Error(w, "Could not fetch response", http.StatusBadGateway)
		return
	}
	h.send(w, res)
}

// scopedRequest returns a copy of the incoming request addressed to the scope origin.
func (h *Host) scopedRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.URL.Scheme = h.scope.Scheme
	req.URL.Host = h.scope.Host
	req.Host = ""
	return req
}

func (h *Host) send(w http.ResponseWriter, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return
	}
	bytesWritten, err := io.Copy(w, res.Body)
	if err != nil {
		h.log.Error().Err(err).Msg("Could not write response body to client")
	}
	h.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// hop-by-hop headers are for the connection to the origin only
		if strings.EqualFold(k, "Connection") || strings.EqualFold(k, "Transfer-Encoding") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
