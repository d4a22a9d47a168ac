// Package storage is the optional durable side of the chat coordinator.
//
// A Gateway wraps one backend Store. The backend is probed once when the
// gateway opens; if the probe fails the gateway stays in memory-only mode for
// the life of the process and every call answers with an empty result. Live
// chat never waits on, or fails because of, the durable store.
package storage
