// Package adapter projects run event streams onto the gateway's wire
// formats.
//
// Each surface implements Encoder:
//
//   - SSEEncoder writes the native REST stream as event/data frames
//   - ChunkEncoder writes OpenAI chat.completion.chunk data lines
//   - FrameEncoder wraps events into gateway protocol event frames
//
// Pump drives any Encoder from a subscription. Adapters never start or
// cancel runs; a client going away only closes its subscription.
package adapter
