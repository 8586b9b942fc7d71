// Package status defines the federation lifecycle events emitted by the
// announcer and the crawl orchestrator, and the hub that fans them out to
// sinks.
package status
