// Package agent defines the contract between clawd-gateway and the agent
// runtime that produces responses.
//
// # Overview
//
// The gateway never performs inference itself. An Engine takes a Request
// (session history plus the new input) and returns a channel of Events:
//
//	events, err := engine.Run(ctx, &agent.Request{
//	    RunID:     runID,
//	    SessionID: "s1",
//	    History:   sess.History(),
//	    Input:     "hi",
//	})
//
// Engines close the channel when they are finished. A well-behaved engine
// ends the stream with exactly one terminal event (EventDone or EventError)
// and stops promptly once ctx is cancelled.
//
// # Events
//
// Event is a tagged variant. Kind selects which payload field is set:
//
//   - EventTextDelta: Text
//   - EventToolUse: ToolUse
//   - EventToolResult: ToolResult
//   - EventUsage: Usage
//   - EventDone: Text (full response, optional), Metadata
//   - EventError: Error
//
// Seq and RunID are stamped by the event bus, not by engines.
//
// # Engines
//
// EchoEngine replies with its input (or a configured reply) and is used for
// local development and tests. The openai subpackage drives any
// OpenAI-compatible upstream.
package agent
