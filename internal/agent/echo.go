// ABOUTME: EchoEngine streams a canned or echoed reply as text deltas
// ABOUTME: Used for local development and as the default engine in tests

package agent

import (
	"context"
	"time"
	"unicode/utf8"
)

// EchoEngine replies to every request with Reply(input), or the input
// itself when Reply is nil. The reply is split into ChunkSize-rune deltas.
type EchoEngine struct {
	Reply     func(req *Request) string
	ChunkSize int
	Delay     time.Duration // pause between deltas
	Model     string
}

// NewEchoEngine returns an EchoEngine that echoes its input.
func NewEchoEngine() *EchoEngine {
	return &EchoEngine{ChunkSize: 8, Model: "echo"}
}

// Models implements ModelLister.
func (e *EchoEngine) Models() []string {
	if e.Model == "" {
		return []string{"echo"}
	}
	return []string{e.Model}
}

// Run implements Engine.
func (e *EchoEngine) Run(ctx context.Context, req *Request) (<-chan *Event, error) {
	reply := req.Input
	if e.Reply != nil {
		reply = e.Reply(req)
	}

	out := make(chan *Event, 16)
	go func() {
		defer close(out)

		for _, chunk := range splitRunes(reply, e.ChunkSize) {
			if !e.send(ctx, out, TextDelta(chunk)) {
				return
			}
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(e.Delay):
				}
			}
		}

		if !e.send(ctx, out, UsageEvent(estimateTokens(req.Input), estimateTokens(reply))) {
			return
		}
		e.send(ctx, out, Done(""))
	}()
	return out, nil
}

func (e *EchoEngine) send(ctx context.Context, out chan<- *Event, ev *Event) bool {
	select {
	case <-ctx.Done():
		return false
	case out <- ev:
		return true
	}
}

// splitRunes splits s into pieces of at most size runes. size <= 0 yields s whole.
func splitRunes(s string, size int) []string {
	if s == "" {
		return nil
	}
	if size <= 0 {
		return []string{s}
	}

	var chunks []string
	for len(s) > 0 {
		n, i := 0, 0
		for i < len(s) && n < size {
			_, w := utf8.DecodeRuneInString(s[i:])
			i += w
			n++
		}
		chunks = append(chunks, s[:i])
		s = s[i:]
	}
	return chunks
}

// estimateTokens approximates a token count as a quarter of the byte length.
func estimateTokens(s string) int {
	return len(s) / 4
}
