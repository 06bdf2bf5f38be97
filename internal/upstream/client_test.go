package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestClient(t *testing.T, handler http.Handler, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(srv.Client(), srv.URL, logger, opts...), srv
}

func TestGetInfoMergesLinksAndVersions(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/simple/foo/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, `<a href="/files/foo-1.0.tar.gz#sha256=`+fooHex+`">foo-1.0.tar.gz</a>`+
			`<a href="/files/foo-2.0.tar.gz#sha256=`+fooHex+`">foo-2.0.tar.gz</a>`)
	})
	mux.HandleFunc("/pypi/foo/json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"info":{"name":"foo"},"releases":{
			"1.0":[{"filename":"foo-1.0.tar.gz"},{"filename":"dup.whl"}],
			"2.0":[{"filename":"foo-2.0.tar.gz"},{"filename":"dup.whl"}]
		},"urls":[]}`)
	})
	client, srv := newTestClient(t, mux)

	links, versions, err := client.GetInfo(context.Background(), "foo")
	if err != nil {
		t.Fatalf("GetInfo error: %v", err)
	}
	if links["foo-1.0.tar.gz"].URL != srv.URL+"/files/foo-1.0.tar.gz" {
		t.Fatalf("unexpected link %+v", links["foo-1.0.tar.gz"])
	}
	if versions["foo-1.0.tar.gz"] != "1.0" || versions["foo-2.0.tar.gz"] != "2.0" {
		t.Fatalf("unexpected versions %v", versions)
	}
	if versions["dup.whl"] != "2.0" {
		t.Fatalf("later release should overwrite duplicate filename, got %s", versions["dup.whl"])
	}
}

func TestGetInfoPropagatesHTTPError(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	_, _, err := client.GetInfo(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected 404 HTTPError, got %v", err)
	}
}

func TestGetInfoRejectsMalformedListing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/simple/foo/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html></html>`)
	})
	mux.HandleFunc("/pypi/foo/json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"releases": [}`)
	})
	client, _ := newTestClient(t, mux)
	_, _, err := client.GetInfo(context.Background(), "foo")
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestFetchReleaseKeepsRawEntries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pypi/foo/1.0/json", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"info":{"name":"foo","version":"1.0"},"urls":[
			{"filename":"foo-1.0.tar.gz","url":"https://files/foo-1.0.tar.gz","size":3},
			{"filename":"foo-1.0-py3-none-any.whl","url":"https://files/foo.whl"}
		],"vulnerabilities":[]}`)
	})
	client, _ := newTestClient(t, mux)

	release, err := client.FetchRelease(context.Background(), "foo", "1.0")
	if err != nil {
		t.Fatalf("FetchRelease error: %v", err)
	}
	restricted := release.Restrict(map[string]struct{}{"foo-1.0.tar.gz": {}})
	if len(restricted.URLs) != 1 || restricted.URLs[0].Filename != "foo-1.0.tar.gz" {
		t.Fatalf("unexpected restricted urls %+v", restricted.URLs)
	}
	if !bytes.Contains(restricted.URLs[0].Raw, []byte(`"size":3`)) {
		t.Fatalf("raw entry should be preserved: %s", restricted.URLs[0].Raw)
	}
	if !bytes.Contains(restricted.Info, []byte(`"version":"1.0"`)) {
		t.Fatalf("info should be preserved: %s", restricted.Info)
	}
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		io.WriteString(w, "payload")
	})
	client, srv := newTestClient(t, handler, WithRetry(3, time.Millisecond))

	var got string
	err := client.Download(context.Background(), srv.URL+"/foo.whl", func(r io.Reader) error {
		data, err := io.ReadAll(r)
		got = string(data)
		return err
	})
	if err != nil {
		t.Fatalf("Download error: %v", err)
	}
	if got != "payload" {
		t.Fatalf("unexpected body %q", got)
	}
	if atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits)
	}
}

func TestDownloadDoesNotRetryNotFound(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	})
	client, srv := newTestClient(t, handler, WithRetry(3, time.Millisecond))

	err := client.Download(context.Background(), srv.URL+"/missing.whl", func(io.Reader) error { return nil })
	if !IsNotFound(err) {
		t.Fatalf("expected 404, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("404 must not be retried, got %d attempts", hits)
	}
}

func TestDownloadWithoutRetries(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	})
	client, srv := newTestClient(t, handler, WithRetry(0, time.Millisecond))

	done := make(chan error, 1)
	go func() {
		done <- client.Download(context.Background(), srv.URL+"/foo.whl", func(io.Reader) error { return nil })
	}()
	var err error
	select {
	case err = <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Download without retries must return, %d attempts so far", atomic.LoadInt32(&hits))
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502 HTTPError, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected a single attempt, got %d", hits)
	}
}

func TestEndpointEscapesSegments(t *testing.T) {
	client := NewClient(nil, "https://pypi.example/", nil)
	if got := client.endpoint("pypi", "foo bar", "json"); !strings.HasSuffix(got, "/pypi/foo%20bar/json") {
		t.Fatalf("unexpected endpoint %s", got)
	}
}

func TestDownloadWithoutRetriesGivesUpOnConsumeError(t *testing.T) {
	var hits int32
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		io.WriteString(w, "payload")
	})
	client, srv := newTestClient(t, handler)

	consumeErr := errors.New("digest mismatch")
	err := client.Download(context.Background(), srv.URL+"/foo.whl", func(io.Reader) error { return consumeErr })
	if !errors.Is(err, consumeErr) {
		t.Fatalf("expected consume error, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("default client must try once, got %d attempts", hits)
	}
}
