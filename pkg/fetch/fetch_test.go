package fetch

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
)

func TestOriginFetch(t *testing.T) {
	var gotConnectionHeader, gotForwarded string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnectionHeader = r.Header.Get("X-Hop")
		gotForwarded = r.Header.Get("X-Forwarded-For")
		w.Write([]byte("origin " + r.URL.RequestURI()))
	}))
	defer server.Close()

	originURL, _ := url.Parse(server.URL)
	o := NewOrigin(*originURL, "")

	req := httptest.NewRequest("GET", "http://proxy.local/index.html?lang=es", nil)
	req.Header.Set("Connection", "X-Hop")
	req.Header.Set("X-Hop", "1")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	res, err := o.Fetch(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if string(body) != "origin /index.html?lang=es" {
		t.Fatalf("Body is %s", body)
	}
	if gotConnectionHeader != "" || gotForwarded != "" {
		t.Fatalf("Hop headers forwarded: %q %q", gotConnectionHeader, gotForwarded)
	}
	// the original request is untouched
	if req.URL.Host != "proxy.local" || req.Header.Get("X-Hop") != "1" {
		t.Fatalf("Request was modified: %v", req.URL)
	}
}

func TestOriginFetchError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	originURL, _ := url.Parse(server.URL)
	server.Close()

	o := NewOrigin(*originURL, "")
	req, _ := http.NewRequest("GET", "http://proxy.local/", nil)
	_, err := o.Fetch(req)
	var fetchErr *Error
	if !errors.As(err, &fetchErr) {
		t.Fatalf("Error is %v", err)
	}
	if fetchErr.URL != server.URL+"/" {
		t.Fatalf("URL is %s", fetchErr.URL)
	}
}

func TestFunc(t *testing.T) {
	called := false
	f := Func(func(r *http.Request) (*http.Response, error) {
		called = true
		return nil, errors.New("offline")
	})
	req, _ := http.NewRequest("GET", "http://proxy.local/", nil)
	if _, err := f.Fetch(req); err == nil || !called {
		t.Fatal("Func was not called")
	}
}
