// Package mcp implements the tool-host protocol used between the
// CloudVoice orchestrator and its worker processes: JSON-RPC 2.0 over
// newline-delimited stdio, in the shape of the Model Context Protocol
// (initialize handshake, tools/list discovery, tools/call invocation).
//
// The client side (Client + StdioTransport) is consumed by the
// orchestrator's tool registry to reach the deployment/footprint
// worker. The server side (Server + ServeStdio) is used by
// cmd/cloudvoice-toolhost to implement that worker.
package mcp
