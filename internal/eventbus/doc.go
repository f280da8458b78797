// Package eventbus provides the per-run publish/subscribe channel that
// decouples an engine's output from the protocol adapters consuming it.
//
// Each run gets its own Bus with exactly one producer. Subscribers are
// live from the point they subscribe; the bus also keeps the full event
// log so a synchronous caller can read the transcript afterwards.
//
// Delivery is ordered per subscriber and never coalesced. Publish never
// blocks the producer: a subscriber whose bounded buffer is full is
// disconnected and sees ErrDropped from Next.
package eventbus
