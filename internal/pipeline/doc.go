// Package pipeline runs the website ingestion pipeline: the crawl
// orchestrator discovers and scores pages and fans out one parse job per
// eligible page, each page parser fetches, extracts and chunks its page
// independently, and the finalizer flips the crawl to a terminal status once
// every relevant page has finished. All coordination goes through persisted
// row state, so every stage may run in a different worker or process.
package pipeline
