// Package mcp implements the client side of the Model Context Protocol:
// a JSON-RPC 2.0 codec, a resilient [Channel] that reconnects after
// unexpected disconnects, a [Router] that correlates requests with
// responses and serves server-initiated requests, and a [Client] that
// performs the MCP handshake and exposes the server's tools as a
// [tools.Provider].
//
// Physical connections come from a [Dialer]. Three are provided:
// server-sent events with HTTP POST ([SSEDialer]), WebSocket
// ([WebSocketDialer]) and subprocess stdio ([StdioDialer]).
package mcp
