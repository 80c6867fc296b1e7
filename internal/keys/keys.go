package keys

// Package keys centralizes storage key construction for freshness tokens.
// It is kept in internal to avoid leaking key formats to public API.

const prefix = "fetchq:{"

// Tokens returns the Redis hash that maps resource keys to freshness records.
func Tokens(ns string) string { return prefix + ns + "}:tokens" }

// Bucket returns the bbolt bucket name holding freshness records.
func Bucket(ns string) []byte { return []byte("fetchq." + ns + ".tokens") }

// Stamp returns the entry name used for a resource key in flat key/value files.
func Stamp(key string) string { return "filestamp#" + key }

// Namespace holds precomputed names for one token namespace.
type Namespace struct {
	Tokens string
	Bucket []byte
}

// For returns the names for ns; an empty ns maps to "default".
func For(ns string) Namespace {
	if ns == "" {
		ns = "default"
	}
	return Namespace{Tokens: Tokens(ns), Bucket: Bucket(ns)}
}
