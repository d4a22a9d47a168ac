// Package timeouts defines shared timeout constants used across the chatroom
// process so boundaries agree on how long to wait.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreInit caps the availability probe run once against the durable store.
const StoreInit = 3 * time.Second

// StoreCall caps a single durable store read or write.
const StoreCall = 2 * time.Second

// KeyFetch caps a JWKS download from the identity provider.
const KeyFetch = 3 * time.Second

// OAuthExchange caps the authorization code exchange with the hosted UI.
const OAuthExchange = 5 * time.Second
