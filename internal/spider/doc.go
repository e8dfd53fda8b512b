// Package spider defines the shared types and service interfaces of the job
// telemetry spider: raw ads, canonical documents, batches, sink results,
// checkpoints and the crawl contract implemented by both the local worker pool
// and the distributed task worker.
package spider
