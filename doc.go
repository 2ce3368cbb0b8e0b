// Package mcp implements the subset of the Model Context Protocol (MCP) spoken between the
// fairytale project server and its client: the initialize handshake, resource listing and
// reading, and tool calls, carried as JSON-RPC 2.0 messages.
//
// A Server dispatches requests arriving on a ServerTransport to a ResourceServer and a
// ToolServer. A Client connects through a ClientTransport. StdIO carries one session over
// newline-delimited JSON on a reader/writer pair; SSEServer and SSEClient carry one session
// over Server-Sent Events and HTTP POST.
package mcp
