// Package sqlite provides SQLite-backed chat persistence.
//
// It is the single-file durable store used when the coordinator runs on one
// host and keeps room metadata and recent history across restarts.
package sqlite
