// Package mcp implements the client side of the Model Context Protocol over its Server-Sent Events
// transport, as spoken by a knowledge-graph memory server that ingests episodes through an add_memory
// tool.
//
// A session is obtained from the server's /sse stream: the first endpoint event names the message URL and
// the session identifier. SSEClient.AcquireSession performs that handshake in one of two modes. A
// short-lived session drops the stream right away, and a persistent session keeps it open as the inbound
// channel on which asynchronous JSON-RPC responses arrive.
//
// Requests posted to the message URL may be answered in the HTTP body, or accepted with 202 and answered
// later on the stream. Correlator pairs both kinds of answer with their requests, and Client layers the
// initialize handshake and the tools API on top:
//
//	sse := mcp.NewSSEClient(mcp.SSEURL("http://localhost:8000"), nil)
//	cli, err := mcp.Dial(ctx, sse, mcp.Info{Name: "episodic", Version: "1.0"})
//	if err != nil {
//		return err
//	}
//	defer cli.Close()
//
//	res, err := cli.AddMemory(ctx, mcp.Episode{Name: "notes.md", Body: body})
//
// A provisional result only says the server queued the episode. Whether it was processed is observed
// through the queue package.
package mcp
