package lifecycle

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/always-cache/offline-cache/pkg/fetch"

	"github.com/rs/zerolog"
)

type fakeWorker struct {
	installErr  error
	activateErr error
	installs    int
	activations int
	fetch       func(r *http.Request) (*http.Response, error)
}

func (w *fakeWorker) Install(ctx context.Context) *Pending[struct{}] {
	w.installs++
	if w.installErr != nil {
		return Rejected[struct{}](w.installErr)
	}
	return Resolved(struct{}{})
}

func (w *fakeWorker) Activate(ctx context.Context) *Pending[struct{}] {
	w.activations++
	if w.activateErr != nil {
		return Rejected[struct{}](w.activateErr)
	}
	return Resolved(struct{}{})
}

func (w *fakeWorker) Fetch(ctx context.Context, r *http.Request) *Pending[*http.Response] {
	return Go(ctx, func(ctx context.Context) (*http.Response, error) {
		return w.fetch(r)
	})
}

func respond(body string) (*http.Response, error) {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Source": []string{body}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

func newTestHost(w Worker, network fetch.Fetcher) *Host {
	logger := zerolog.Nop()
	return NewHost(HostConfig{
		Worker:  w,
		Network: network,
		Scope:   url.URL{Scheme: "https", Host: "geoportal.example", Path: "/"},
		Logger:  &logger,
	})
}

var networkFetch = fetch.Func(func(r *http.Request) (*http.Response, error) {
	return respond("network")
})

func TestLifecycleTransitions(t *testing.T) {
	ctx := context.Background()
	w := &fakeWorker{}
	h := newTestHost(w, networkFetch)

	if h.State() != Uninstalled {
		t.Fatalf("State is %s", h.State())
	}
	if err := h.Activate(ctx); !errors.Is(err, ErrNotInstalled) {
		t.Fatalf("Error is %v", err)
	}
	if err := h.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if h.State() != Installed {
		t.Fatalf("State is %s", h.State())
	}
	if err := h.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	if h.State() != Active {
		t.Fatalf("State is %s", h.State())
	}
	// reinstalling does not deactivate
	if err := h.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if h.State() != Active {
		t.Fatalf("State is %s", h.State())
	}
}

func TestFailedInstallStaysUninstalled(t *testing.T) {
	w := &fakeWorker{installErr: errors.New("offline")}
	h := newTestHost(w, networkFetch)
	if err := h.Install(context.Background()); err == nil {
		t.Fatal("Expected install error")
	}
	if h.State() != Uninstalled {
		t.Fatalf("State is %s", h.State())
	}
}

func TestActivateErrorStillActivates(t *testing.T) {
	ctx := context.Background()
	w := &fakeWorker{activateErr: errors.New("could not delete cache geoportal-v1")}
	h := newTestHost(w, networkFetch)
	h.Install(ctx)
	if err := h.Activate(ctx); err == nil {
		t.Fatal("Expected activate error")
	}
	if h.State() != Active {
		t.Fatalf("State is %s", h.State())
	}
}

func TestRequestsBypassInactiveWorker(t *testing.T) {
	w := &fakeWorker{fetch: func(r *http.Request) (*http.Response, error) {
		t.Fatal("Worker should not be called")
		return nil, nil
	}}
	h := newTestHost(w, networkFetch)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))
	if rr.Body.String() != "network" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}

func TestActiveWorkerAnswersRequests(t *testing.T) {
	ctx := context.Background()
	var seen *http.Request
	w := &fakeWorker{fetch: func(r *http.Request) (*http.Response, error) {
		seen = r
		return respond("worker")
	}}
	h := newTestHost(w, networkFetch)
	h.Install(ctx)
	h.Activate(ctx)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/style.css?v=3", nil))
	if rr.Body.String() != "worker" || rr.Header().Get("X-Source") != "worker" {
		t.Fatalf("Response is %d %v %s", rr.Code, rr.Header(), rr.Body.String())
	}
	if u := seen.URL.String(); u != "https://geoportal.example/style.css?v=3" {
		t.Fatalf("Worker saw %s", u)
	}
}

func TestFetchErrorIsBadGateway(t *testing.T) {
	ctx := context.Background()
	w := &fakeWorker{fetch: func(r *http.Request) (*http.Response, error) {
		return nil, &fetch.Error{URL: r.URL.String(), Err: errors.New("offline")}
	}}
	h := newTestHost(w, networkFetch)
	h.Install(ctx)
	h.Activate(ctx)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/data.json", nil))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestPanicFallsBackToNetwork(t *testing.T) {
	ctx := context.Background()
	w := &fakeWorker{fetch: func(r *http.Request) (*http.Response, error) {
		panic("broken worker")
	}}
	h := newTestHost(w, networkFetch)
	h.Install(ctx)
	h.Activate(ctx)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Body.String() != "network" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
}
