package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeHost(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://schedd.example.com/history", "schedd.example.com"},
		{"standard https", "https://Schedd.Example.com/path", "schedd.example.com"},
		{"no scheme", "schedd.example.com/path", "schedd.example.com"},
		{"host with port", "schedd.example.com:9618", "schedd.example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeHost(tc.input); got != tc.expected {
				t.Errorf("SanitizeHost(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()
	Init()

	ObserveAd("history", "converted")
	if val := testutil.ToFloat64(spiderAdsTotal.WithLabelValues("history", "converted")); val < 1 {
		t.Errorf("expected spider_ads_total to be incremented, got %f", val)
	}

	before := testutil.ToFloat64(spiderSinkDocumentsTotal.WithLabelValues("unit", "accepted"))
	ObserveSinkWrite("unit", 3, 1, false, 10*time.Millisecond)
	if val := testutil.ToFloat64(spiderSinkDocumentsTotal.WithLabelValues("unit", "accepted")); val-before != 3 {
		t.Errorf("expected 3 accepted documents, got %f", val-before)
	}

	ObserveCheckpointCommit(errors.New("boom"))
	if val := testutil.ToFloat64(spiderCheckpointCommitsTotal.WithLabelValues("error")); val < 1 {
		t.Errorf("expected failed commit to be counted, got %f", val)
	}

	IncActiveTasks()
	DecActiveTasks()
	if val := testutil.ToFloat64(spiderActiveTasks); val != 0 {
		t.Errorf("expected active tasks to return to 0, got %f", val)
	}
}

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	for _, path := range []string{"/test", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val < 1 {
		t.Errorf("Expected httpRequestsTotal for GET 200 to be at least 1, got %f", val)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val < 1 {
		t.Errorf("Expected httpRequestsTotal for GET 404 to be at least 1, got %f", val)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("Expected httpRequestDurationSeconds to be observed, got %d", val)
	}
}

// Fuzz test for SanitizeHost.
func FuzzSanitizeHost(f *testing.F) {
	testcases := []string{"http://example.com", "https://schedd.cern.ch:9618", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeHost(orig) == "" {
			t.Errorf("SanitizeHost(%q) returned an empty string", orig)
		}
	})
}
