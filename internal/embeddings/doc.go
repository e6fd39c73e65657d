// Package embeddings provides embedding generation via multiple providers.
//
// Supports FastEmbed (local ONNX, CGO builds only), TEI
// (text-embeddings-inference over HTTP), and OpenAI-compatible APIs.
// Provider selection happens at runtime through NewProvider, with
// dimension detection for common models.
package embeddings
