// Package chat implements room-based real-time messaging.
//
// Connections join named rooms over WebSocket, exchange messages and typing
// signals with the other members, and receive recent history on join. Live
// presence is in memory only; messages and room metadata go to an optional
// durable store that the service can run without.
package chat
