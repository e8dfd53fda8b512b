package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/condor-spider/internal/affiliation"
	"github.com/JakeFAU/condor-spider/internal/distributor"
	collyfetcher "github.com/JakeFAU/condor-spider/internal/fetcher/colly"
	"github.com/JakeFAU/condor-spider/internal/policy/ratelimit"
	"github.com/JakeFAU/condor-spider/internal/sink/archive"
	"github.com/JakeFAU/condor-spider/internal/sink/bus"
	"github.com/JakeFAU/condor-spider/internal/sink/search"
	httpsource "github.com/JakeFAU/condor-spider/internal/source/http"
	memsource "github.com/JakeFAU/condor-spider/internal/source/memory"
	"github.com/JakeFAU/condor-spider/internal/spider"
	"github.com/JakeFAU/condor-spider/internal/storage"
	gcsstorage "github.com/JakeFAU/condor-spider/internal/storage/gcs"
	localstorage "github.com/JakeFAU/condor-spider/internal/storage/local"
	memorystorage "github.com/JakeFAU/condor-spider/internal/storage/memory"
	pgstore "github.com/JakeFAU/condor-spider/internal/storage/postgres"
)

func (a *App) setupSource(fetcher *collyfetcher.Fetcher) error {
	c := a.cfg.Source
	if c.BaseURL == "" {
		if c.FixtureDir == "" {
			return fmt.Errorf("source.base_url or source.fixture_dir must be set")
		}
		src, err := memsource.LoadDir(c.FixtureDir, a.cfg.Crawl.PoolName)
		if err != nil {
			return fmt.Errorf("fixture source init failed: %w", err)
		}
		a.logger.Info("using fixture source", zap.String("dir", c.FixtureDir))
		a.source = src
		return nil
	}
	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: c.RPS, DefaultBurst: c.Burst, HostRPS: c.HostRPS})
	a.source = httpsource.New(httpsource.Config{
		RegistryURL: c.BaseURL,
		Pool:        a.cfg.Crawl.PoolName,
	}, fetcher, limiter, a.logger)
	a.logger.Info("using http source",
		zap.String("registry", c.BaseURL),
		zap.Float64("rps", c.RPS),
		zap.Int("burst", c.Burst))
	return nil
}

func (a *App) setupAffiliations(fetcher *collyfetcher.Fetcher) error {
	c := a.cfg.Affiliation
	if c.Path == "" {
		a.logger.Info("affiliation enrichment disabled")
		return nil
	}
	cache := affiliation.NewCache(c.Path, a.logger)
	if err := cache.Load(); err != nil {
		// A corrupt file is rebuilt below when an upstream is configured.
		a.logger.Warn("affiliation cache unusable", zap.Error(err))
	}
	a.affiliations = cache
	if c.URL != "" {
		a.refresher = affiliation.NewRefresher(cache, fetcher, c.URL, c.MaxAge, a.clock, a.logger)
	}
	return nil
}

// setupSinks builds each enabled sink once and assigns it to the phases it
// serves. Queue documents reach the search index only with search.feed_queue.
func (a *App) setupSinks(ctx context.Context) error {
	a.sinks = make(map[spider.Phase][]spider.Sink)
	add := func(s spider.Sink, queue bool) {
		a.sinks[spider.PhaseHistory] = append(a.sinks[spider.PhaseHistory], s)
		if queue {
			a.sinks[spider.PhaseQueue] = append(a.sinks[spider.PhaseQueue], s)
		}
	}

	if c := a.cfg.Search; c.Enabled {
		s, err := search.New(search.Config{
			Addresses:   c.Addresses,
			Username:    c.Username,
			Password:    c.Password,
			IndexPrefix: c.IndexPrefix,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("search sink init failed: %w", err)
		}
		add(s, c.FeedQueue)
	}

	if c := a.cfg.Bus; c.Enabled {
		s, err := bus.Dial(ctx, bus.Config{ProjectID: c.ProjectID, Topic: c.Topic, DocType: c.DocType}, a.logger)
		if err != nil {
			return fmt.Errorf("bus sink init failed: %w", err)
		}
		a.onClose("bus", s.Close)
		add(s, true)
	}

	if c := a.cfg.Archive; c.Enabled {
		store, err := a.blobStore(ctx)
		if err != nil {
			return err
		}
		s, err := archive.New(store, c.Prefix, a.logger)
		if err != nil {
			return fmt.Errorf("archive sink init failed: %w", err)
		}
		add(s, true)
	}

	if len(a.sinks[spider.PhaseHistory]) == 0 && !a.cfg.Run.ReadOnly && !a.cfg.Run.DryRun {
		a.logger.Warn("no sinks enabled, documents will be discarded")
	}
	return nil
}

func (a *App) blobStore(ctx context.Context) (storage.BlobStore, error) {
	c := a.cfg.Archive
	switch {
	case c.GCSBucket != "":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: c.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", store.Close)
		a.logger.Debug("archive on gcs", zap.String("bucket", c.GCSBucket))
		return store, nil
	case c.LocalDir != "":
		store, err := localstorage.New(localstorage.Config{BaseDir: c.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Debug("archive on local disk", zap.String("dir", c.LocalDir))
		return store, nil
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupRunStore(ctx context.Context) error {
	c := a.cfg.DB
	if c.DSN == "" {
		a.logger.Warn("no db.dsn configured, run summaries kept in memory")
		a.runs = memorystorage.NewRunStore()
		return nil
	}
	store, err := pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:             c.DSN,
		Table:           c.Table,
		ResultTable:     c.ResultTable,
		MaxConns:        c.MaxConns,
		MinConns:        c.MinConns,
		MaxConnLifetime: c.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.onClose("run_store", func() error { store.Close(); return nil })
	a.runs = store
	a.logger.Info("run store initialized", zap.String("table", c.Table))
	return nil
}

func (a *App) setupDistributor(opts Options) error {
	c := a.cfg.Distributor
	queue, err := distributor.Dial(c.RedisURL, c.Queue, c.ResultTTL)
	if err != nil {
		return fmt.Errorf("distributor init failed: %w", err)
	}
	a.onClose("distributor", queue.Close)
	a.queue = queue
	if opts.Mode == ModeRun && opts.Distributed {
		a.remote = distributor.NewClient(queue, a.ids, a.clock, a.logger)
	}
	return nil
}

func sinkNames(sinks []spider.Sink) []string {
	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	return names
}
