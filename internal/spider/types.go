package spider

import (
	"sort"
	"time"
)

// Phase names which of a source's record sets a crawl reads.
type Phase string

// Supported crawl phases.
const (
	// PhaseHistory reads completed records changed since the checkpoint.
	PhaseHistory Phase = "history"
	// PhaseQueue snapshots the live queue; it never reads or writes checkpoints.
	PhaseQueue Phase = "queue"
)

// Source describes one independently queryable scheduler endpoint.
type Source struct {
	Name    string            `json:"name"`
	Address string            `json:"address,omitempty"`
	Pool    string            `json:"pool,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

// Document is a canonical, typed record. Once returned by the normalizer a
// Document must be treated as read-only; stages that need a variant Clone it.
type Document map[string]any

// Clone returns a shallow copy of d.
func (d Document) Clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Keys returns the document field names in lexical order.
func (d Document) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// DocumentID is the idempotency key "{GlobalJobId}#{RecordTime}".
type DocumentID string

// Item pairs a document with its identifier.
type Item struct {
	ID  DocumentID
	Doc Document
}

// Batch is an ordered, bounded group of items delivered together.
type Batch struct {
	ID      string
	Phase   Phase
	Created time.Time
	Items   []Item
}

// Len returns the number of items in the batch.
func (b Batch) Len() int {
	return len(b.Items)
}

// SinkResult counts accepted and rejected documents for one sink and batch.
type SinkResult struct {
	Sink     string         `json:"sink"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
	Reasons  map[string]int `json:"reasons,omitempty"`
}

// Reject records n rejections for reason.
func (r *SinkResult) Reject(reason string, n int) {
	if n <= 0 {
		return
	}
	if r.Reasons == nil {
		r.Reasons = make(map[string]int)
	}
	r.Rejected += n
	r.Reasons[reason] += n
}

// Merge adds other's counts into r.
func (r *SinkResult) Merge(other SinkResult) {
	r.Accepted += other.Accepted
	r.Rejected += other.Rejected
	for reason, n := range other.Reasons {
		if r.Reasons == nil {
			r.Reasons = make(map[string]int)
		}
		r.Reasons[reason] += n
	}
}

// TaskStatus is the terminal state of one crawl task.
type TaskStatus string

// Crawl task outcomes.
const (
	StatusCompleted TaskStatus = "completed"
	StatusTruncated TaskStatus = "truncated"
	StatusTimedOut  TaskStatus = "timed_out"
	StatusFailed    TaskStatus = "failed"
)

// CrawlRequest asks for one source to be crawled before Deadline.
type CrawlRequest struct {
	RunID    string    `json:"run_id"`
	Source   Source    `json:"source"`
	Phase    Phase     `json:"phase"`
	Deadline time.Time `json:"deadline"`
}

// CrawlResult reports what one crawl task did.
type CrawlResult struct {
	Source string     `json:"source"`
	Phase  Phase      `json:"phase"`
	Status TaskStatus `json:"status"`
	// Since is the query lower bound after the overlap margin was applied.
	Since time.Time `json:"since"`
	// Watermark is the largest status-change time among forwarded documents.
	Watermark        time.Time `json:"watermark"`
	Documents        int       `json:"documents"`
	Dropped          int       `json:"dropped"`
	ConversionErrors int       `json:"conversion_errors"`
	Attempts         int       `json:"attempts"`
	// Committed is set when the watermark was already persisted by the worker
	// that ran the task.
	Committed  bool      `json:"committed"`
	Error      string    `json:"error,omitempty"`
	// Retryable marks failures caused by a temporary source-query error.
	Retryable  bool      `json:"retryable,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Finished reports whether the task ran to completion (possibly truncated).
func (r CrawlResult) Finished() bool {
	return r.Status == StatusCompleted || r.Status == StatusTruncated
}

// NeedsCommit reports whether the result carries a watermark that still has
// to be written to the checkpoint store.
func (r CrawlResult) NeedsCommit() bool {
	return r.Phase == PhaseHistory && r.Finished() && !r.Watermark.IsZero() && !r.Committed
}

// Affiliation is the organisation and country of a submitting identity.
type Affiliation struct {
	Institute string `json:"institute"`
	Country   string `json:"country"`
	DN        string `json:"dn,omitempty"`
}

// RunSummary aggregates one pipeline pass.
type RunSummary struct {
	RunID      string                `json:"run_id"`
	Phase      Phase                 `json:"phase"`
	StartedAt  time.Time             `json:"started_at"`
	FinishedAt time.Time             `json:"finished_at"`
	Deadline   time.Time             `json:"deadline"`
	Results    []CrawlResult         `json:"results"`
	Sinks      map[string]SinkResult `json:"sinks"`
	Documents  int                   `json:"documents"`
	Batches    int                   `json:"batches"`
	Complete   bool                  `json:"complete"`
}

// Count returns the number of results with the given status.
func (s RunSummary) Count(status TaskStatus) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}
