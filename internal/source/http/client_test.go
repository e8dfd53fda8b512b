package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	collyfetcher "github.com/JakeFAU/condor-spider/internal/fetcher/colly"
	"github.com/JakeFAU/condor-spider/internal/spider"
)

func newTestClient(t *testing.T, handler http.Handler, cfg Config) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	f, err := collyfetcher.New(collyfetcher.Config{Timeout: 2 * time.Second})
	require.NoError(t, err)
	if cfg.RegistryURL == "" {
		cfg.RegistryURL = srv.URL + "/registry"
	}
	return New(cfg, f, nil, nil), srv
}

func collect(t *testing.T, seq func(func(spider.RawAd, error) bool)) ([]spider.RawAd, error) {
	t.Helper()
	var ads []spider.RawAd
	for ad, err := range seq {
		if err != nil {
			return ads, err
		}
		ads = append(ads, ad)
	}
	return ads, nil
}

func TestListSourcesFiltersAndSorts(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/registry", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`[
			{"name": "vocms0002", "address": "vocms0002:8080", "pool": "Tier0"},
			{"name": "vocms0001", "address": "vocms0001:8080"},
			{"name": "vocms0003", "address": "vocms0003:8080"},
			{"name": "", "address": "broken:8080"}
		]`))
	})
	client, _ := newTestClient(t, mux, Config{Pool: "Global", ScheddFilter: []string{"vocms0001", "vocms0002"}})

	sources, err := client.ListSources(context.Background())
	require.NoError(t, err)
	require.Len(t, sources, 2)
	assert.Equal(t, "vocms0001", sources[0].Name)
	assert.Equal(t, "Global", sources[0].Pool)
	assert.Equal(t, "Tier0", sources[1].Pool)
}

func TestHistoryStreamsNDJSON(t *testing.T) {
	t.Parallel()

	gotSince := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		gotSince <- r.URL.Query().Get("since")
		_, _ = w.Write([]byte(`{"GlobalJobId": "s#1.0#1", "JobStatus": 4, "EnteredCurrentStatus": 1700000010}
{"GlobalJobId": "s#2.0#1", "JobStatus": 4, "RemoteWallClockTime": 12.5}
`))
	})
	client, srv := newTestClient(t, mux, Config{})

	ads, err := collect(t, client.History(context.Background(), spider.Source{Name: "s", Address: srv.URL}, time.Unix(1700000000, 0)))
	require.NoError(t, err)
	require.Len(t, ads, 2)
	assert.Equal(t, "1700000000", <-gotSince)
	id, _ := ads[0].GlobalJobID()
	assert.Equal(t, "s#1.0#1", id)
	changed, ok := ads[0].StatusChanged()
	require.True(t, ok)
	assert.Equal(t, int64(1700000010), changed.Unix())
	assert.InDelta(t, 12.5, ads[1].FloatOr("RemoteWallClockTime", 0), 1e-9)
}

func TestQueueAcceptsJSONArray(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1700000000", r.URL.Query().Get("completed_since"))
		_, _ = w.Write([]byte(`[{"GlobalJobId": "s#1.0#1", "JobStatus": 2}, {"GlobalJobId": "s#2.0#1", "JobStatus": 1}]`))
	})
	client, srv := newTestClient(t, mux, Config{})

	ads, err := collect(t, client.Queue(context.Background(), spider.Source{Name: "s", Address: srv.URL}, time.Unix(1700000000, 0)))
	require.NoError(t, err)
	assert.Len(t, ads, 2)
}

func TestQueryErrorsAreClassified(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "schedd overloaded", http.StatusServiceUnavailable)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})
	client, srv := newTestClient(t, mux, Config{})
	src := spider.Source{Name: "s", Address: srv.URL}

	_, err := collect(t, client.History(context.Background(), src, time.Unix(0, 0)))
	require.Error(t, err)
	assert.True(t, spider.IsTemporary(err))

	_, err = collect(t, client.Queue(context.Background(), src, time.Unix(0, 0)))
	require.Error(t, err)
	assert.False(t, spider.IsTemporary(err))
}

func TestMalformedBodyEndsSequence(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/history", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{\"GlobalJobId\": \"s#1.0#1\"}\n{broken\n"))
	})
	client, srv := newTestClient(t, mux, Config{})

	ads, err := collect(t, client.History(context.Background(), spider.Source{Name: "s", Address: srv.URL}, time.Unix(0, 0)))
	require.Error(t, err)
	assert.Len(t, ads, 1)
	var qe *spider.QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "s", qe.Source)
}

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	got, err := endpointURL("schedd.example.com:8080/api", "history", map[string][]string{"since": {"5"}})
	require.NoError(t, err)
	assert.Equal(t, "http://schedd.example.com:8080/api/history?since=5", got)
}
