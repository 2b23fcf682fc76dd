// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package ferry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/z5labs/ferry/engine"
	"github.com/z5labs/ferry/engine/httpengine"

	"github.com/stretchr/testify/assert"
)

func startMockServer(node, body string, status int) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc(node, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	})
	return httptest.NewServer(mux)
}

func TestBridge_Submit_HTTPEngine(t *testing.T) {
	const mockBody = `{"token":"12345"}`

	newSet := func() engine.Set {
		return httpengine.NewSet()
	}

	t.Run("will return the response body and status", func(t *testing.T) {
		t.Run("if two transfers are submitted concurrently", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			srv := startMockServer("/async-test", mockBody, http.StatusOK)
			defer srv.Close()

			b := New(newSet, PollSlice(time.Millisecond))
			defer b.Shutdown(context.Background())

			type result struct {
				body   string
				status int
				err    error
			}
			resultCh := make(chan result, 2)
			for i := 0; i < 2; i++ {
				go func() {
					sink := engine.NewBufferSink()
					h := engine.NewHandle(sink)
					err := h.SetURL(srv.URL + "/async-test")
					if err != nil {
						resultCh <- result{err: err}
						return
					}
					h.Finalize()

					got, err := b.Submit(ctx, h)
					if err != nil {
						resultCh <- result{err: err}
						return
					}
					status, err := got.StatusCode()
					resultCh <- result{
						body:   string(sink.Bytes()),
						status: status,
						err:    err,
					}
				}()
			}

			for i := 0; i < 2; i++ {
				res := <-resultCh
				if !assert.Nil(t, res.err) {
					return
				}
				if !assert.Equal(t, mockBody, res.body) {
					return
				}
				if !assert.Equal(t, http.StatusOK, res.status) {
					return
				}
			}
		})

		t.Run("if the worker is in direct drive mode", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			srv := startMockServer("/async-test", mockBody, http.StatusOK)
			defer srv.Close()

			b := New(newSet, DirectDrive(), PollSlice(time.Millisecond))
			defer b.Shutdown(context.Background())

			type result struct {
				body   string
				status int
				err    error
			}
			resultCh := make(chan result, 2)
			for i := 0; i < 2; i++ {
				go func() {
					sink := engine.NewBufferSink()
					h := engine.NewHandle(sink)
					err := h.SetURL(srv.URL + "/async-test")
					if err != nil {
						resultCh <- result{err: err}
						return
					}
					h.Finalize()

					got, err := b.Submit(ctx, h)
					if err != nil {
						resultCh <- result{err: err}
						return
					}
					status, err := got.StatusCode()
					resultCh <- result{
						body:   string(sink.Bytes()),
						status: status,
						err:    err,
					}
				}()
			}

			for i := 0; i < 2; i++ {
				res := <-resultCh
				if !assert.Nil(t, res.err) {
					return
				}
				if !assert.Equal(t, mockBody, res.body) {
					return
				}
				if !assert.Equal(t, http.StatusOK, res.status) {
					return
				}
			}
		})
	})

	t.Run("will return an engine error", func(t *testing.T) {
		t.Run("if the host is unreachable", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			b := New(newSet, PollSlice(time.Millisecond))
			defer b.Shutdown(context.Background())

			h := engine.NewHandle(engine.NewBufferSink())
			if !assert.Nil(t, h.SetURL("http://127.0.0.1:1")) {
				return
			}
			if !assert.Nil(t, h.SetTimeout(2*time.Second)) {
				return
			}
			h.Finalize()

			_, err := b.Submit(ctx, h)
			var eerr engine.Error
			if !assert.ErrorAs(t, err, &eerr) {
				return
			}
			// The failure must come from the engine, not the channel layer.
			var serr SendError
			if !assert.False(t, errors.As(err, &serr)) {
				return
			}
			var rerr ReceiveError
			if !assert.False(t, errors.As(err, &rerr)) {
				return
			}
		})
	})
}
