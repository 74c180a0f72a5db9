package chat

import "strings"

// defaultFlushChars trades write amplification against end-to-end latency.
// Small deltas are batched until the buffer crosses this size.
const defaultFlushChars = 512

// chunkAggregator batches provider deltas into bounded writes.
//
// It is a pure buffering policy: it decides when a batch is ready and knows
// nothing about persistence or broadcast. One instance exists per in-flight
// stream and is only touched from that stream's goroutine.
type chunkAggregator struct {
	limit int
	buf   strings.Builder
}

func newChunkAggregator(limit int) *chunkAggregator {
	if limit <= 0 {
		limit = defaultFlushChars
	}
	return &chunkAggregator{limit: limit}
}

func (a *chunkAggregator) Append(text string) {
	if a == nil || text == "" {
		return
	}
	a.buf.WriteString(text)
}

func (a *chunkAggregator) HasReachedLimit() bool {
	if a == nil {
		return false
	}
	return a.buf.Len() >= a.limit
}

// FlushAndClear returns the accumulated text and empties the buffer.
// Callers must invoke it unconditionally at stream end so no trailing text
// is lost.
func (a *chunkAggregator) FlushAndClear() string {
	if a == nil {
		return ""
	}
	out := a.buf.String()
	a.buf.Reset()
	return out
}
