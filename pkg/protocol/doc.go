// Package protocol defines the JSON frames exchanged with a Home Assistant
// style WebSocket API: the outbound commands, the inbound message kinds and
// the helpers that encode, decode and address them.
package protocol
