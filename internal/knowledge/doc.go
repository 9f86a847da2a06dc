// Package knowledge stores retrieval fragments in Postgres with pgvector
// embeddings and serves similarity search over them.
//
// Fragments are deduplicated by a SHA-256 hash of their content, so
// re-ingesting the same source is a no-op. Search embeds the query text,
// runs a cosine nearest-neighbour scan over the HNSW index, and returns
// fragments scored in [0, 1], filtered by a minimum similarity and ranked
// most-similar first with newer fragments winning ties.
package knowledge
