// ABOUTME: Tests for EchoEngine streaming and cancellation behaviour
// ABOUTME: Also covers the rune-aware chunk splitter

package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, ch <-chan *Event) []*Event {
	t.Helper()
	var events []*Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for engine")
		}
	}
}

func TestEchoEngine_StreamsReply(t *testing.T) {
	e := &EchoEngine{
		Reply:     func(*Request) string { return "Hello" },
		ChunkSize: 3,
	}

	ch, err := e.Run(t.Context(), &Request{Input: "hi"})
	require.NoError(t, err)
	events := collect(t, ch)

	require.Len(t, events, 4)
	assert.Equal(t, EventTextDelta, events[0].Kind)
	assert.Equal(t, "Hel", events[0].Text)
	assert.Equal(t, "lo", events[1].Text)
	assert.Equal(t, EventUsage, events[2].Kind)
	assert.Equal(t, EventDone, events[3].Kind)
	assert.True(t, events[3].Kind.Terminal())
}

func TestEchoEngine_EchoesInputByDefault(t *testing.T) {
	e := NewEchoEngine()

	ch, err := e.Run(t.Context(), &Request{Input: "ping"})
	require.NoError(t, err)

	var text strings.Builder
	for _, ev := range collect(t, ch) {
		if ev.Kind == EventTextDelta {
			text.WriteString(ev.Text)
		}
	}
	assert.Equal(t, "ping", text.String())
	assert.Equal(t, []string{"echo"}, e.Models())
}

func TestEchoEngine_StopsOnCancel(t *testing.T) {
	e := &EchoEngine{ChunkSize: 1, Delay: 50 * time.Millisecond}
	ctx, cancel := context.WithCancel(t.Context())

	ch, err := e.Run(ctx, &Request{Input: "a long reply that takes a while"})
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, EventTextDelta, first.Kind)
	cancel()

	for _, ev := range collect(t, ch) {
		assert.NotEqual(t, EventDone, ev.Kind)
	}
}

func TestSplitRunes(t *testing.T) {
	tests := []struct {
		name string
		in   string
		size int
		want []string
	}{
		{name: "empty", in: "", size: 4, want: nil},
		{name: "whole", in: "hello", size: 0, want: []string{"hello"}},
		{name: "even", in: "abcd", size: 2, want: []string{"ab", "cd"}},
		{name: "multibyte", in: "héllo", size: 2, want: []string{"hé", "ll", "o"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, splitRunes(tt.in, tt.size))
		})
	}
}

func TestUsage_Add(t *testing.T) {
	u := &Usage{PromptTokens: 1, CompletionTokens: 2, TotalTokens: 3}
	u.Add(&Usage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30})
	u.Add(nil)
	assert.Equal(t, &Usage{PromptTokens: 11, CompletionTokens: 22, TotalTokens: 33}, u)
}
