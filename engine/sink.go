// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package engine

import "bytes"

// Sink accumulates response body chunks. The engine calls Write with
// successive chunks, in order, from a single goroutine. The accumulated
// bytes must be retrievable after the transfer completes.
type Sink interface {
	Write([]byte) (int, error)
}

// BufferSink is the simplest Sink, accumulating all chunks in memory.
type BufferSink struct {
	buf bytes.Buffer
}

// NewBufferSink returns an empty BufferSink.
func NewBufferSink() *BufferSink {
	return &BufferSink{}
}

// Write implements the Sink interface.
func (s *BufferSink) Write(p []byte) (int, error) {
	return s.buf.Write(p)
}

// Bytes returns the accumulated response body.
func (s *BufferSink) Bytes() []byte {
	return s.buf.Bytes()
}

// Len returns the number of accumulated bytes.
func (s *BufferSink) Len() int {
	return s.buf.Len()
}
