package spider

import (
	"context"
	"iter"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, task and batch IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// SourceClient harvests raw ads from sources. The sequences yield a non-nil
// error at most once, as their final element.
type SourceClient interface {
	ListSources(ctx context.Context) ([]Source, error)
	// History yields completed records whose status changed at or after since.
	History(ctx context.Context, src Source, since time.Time) iter.Seq2[RawAd, error]
	// Queue yields live records, plus records completed at or after completedSince.
	Queue(ctx context.Context, src Source, completedSince time.Time) iter.Seq2[RawAd, error]
}

// CheckpointStore persists per-source watermarks.
type CheckpointStore interface {
	Get(ctx context.Context, source string) (time.Time, bool, error)
	// Set never moves a watermark backwards.
	Set(ctx context.Context, source string, watermark time.Time) error
	All(ctx context.Context) (map[string]time.Time, error)
}

// NormalizeOptions tune a single normalization call.
type NormalizeOptions struct {
	Pool   string
	Reduce bool
}

// Normalizer converts a raw ad into a canonical document. It returns
// ErrDropped for ads that must not produce a document.
type Normalizer interface {
	Normalize(ad RawAd, opts NormalizeOptions) (Item, error)
}

// AffiliationLookup resolves submitting identities.
type AffiliationLookup interface {
	Lookup(login string) (Affiliation, bool)
	LookupSubject(dn string) (Affiliation, bool)
}

// Producer is one crawl task's handle onto the batcher.
type Producer interface {
	Send(ctx context.Context, item Item) error
	Close(ctx context.Context) error
}

// Outlet hands out producers; the batcher implements it.
type Outlet interface {
	Producer(ctx context.Context, name string) (Producer, error)
}

// Crawler runs one source crawl to completion or deadline. Both the local
// executor and the distributed task client implement it.
type Crawler interface {
	Crawl(ctx context.Context, req CrawlRequest) CrawlResult
}

// Sink writes one batch to a downstream system.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch Batch) (SinkResult, error)
}

// RunStore records run summaries.
type RunStore interface {
	SaveRun(ctx context.Context, summary RunSummary) error
}
