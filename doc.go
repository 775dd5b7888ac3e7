// Package bridge relays a line-oriented JSON-RPC stream between a local
// stdio peer and a remote endpoint that speaks the split SSE/HTTP-POST
// transport convention: messages arrive as SSE events, messages leave as
// HTTP POSTs to a target URL the remote announces (and may change) through
// reserved "endpoint" events.
package bridge
