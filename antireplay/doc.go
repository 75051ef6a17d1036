// Package antireplay detects replayed passports.
//
// Every passport carries a random nonce. A validator puts the nonce into
// a cache and rejects the passport if the nonce was there already, so a
// passport admits at most once on a node.
//
// The main implementation is a Stable Bloom Filter: memory is fixed and
// the false positive rate stays constant on an unbounded stream. There
// are no false negatives while a nonce is younger than the filter
// horizon, and passports expire within seconds, much earlier than that.
//
// A false positive means a legitimate passport is rejected; a client is
// challenged locally then. This is why a default error rate is small.
//
// Based on "Approximately Detecting Duplicates for Streaming Data using
// Stable Bloom Filters" by Deng and Rafiei (2006).
package antireplay
