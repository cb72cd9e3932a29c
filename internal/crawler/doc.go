// Package crawler holds the records, collaborator contracts and error taxonomy
// shared by the fetcher, the adapters, the sinks and the pipeline.
package crawler
