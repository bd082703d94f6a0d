// Package crawler defines the domain model of the ingestion pipeline: sources,
// pages, chunks and crawl runs, the status machines that guard them, the job
// payloads exchanged through the queue, and the collaborator interfaces the
// pipeline depends on.
package crawler
