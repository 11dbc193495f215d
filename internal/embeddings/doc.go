// Package embeddings provides embedding generation via multiple providers.
//
// Supports FastEmbed (local ONNX, requires cgo) and TEI (text-embeddings-inference
// over HTTP). Every provider is wrapped by Retrying, which retries transient
// failures with exponential backoff and reports exhaustion as
// ErrCollectionUnavailable.
package embeddings
