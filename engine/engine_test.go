// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package engine

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHandle_SetURL(t *testing.T) {
	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the url is not absolute", func(t *testing.T) {
			h := NewHandle(NewBufferSink())
			err := h.SetURL("/just/a/path")

			var eerr Error
			if !assert.ErrorAs(t, err, &eerr) {
				return
			}
		})

		t.Run("if the url can not be parsed", func(t *testing.T) {
			h := NewHandle(NewBufferSink())
			err := h.SetURL("http://exa mple.com/%zz")

			var eerr Error
			if !assert.ErrorAs(t, err, &eerr) {
				return
			}
		})

		t.Run("if the handle has been finalized", func(t *testing.T) {
			h := NewHandle(NewBufferSink())
			h.Finalize()

			err := h.SetURL("http://example.com")
			if !assert.ErrorIs(t, err, ErrFinalized) {
				return
			}
		})
	})

	t.Run("will set the url", func(t *testing.T) {
		t.Run("if the url is absolute", func(t *testing.T) {
			h := NewHandle(NewBufferSink())
			err := h.SetURL("https://example.com/path?q=1")
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, "example.com", h.URL().Host) {
				return
			}
		})
	})
}

func TestHandle_Setters(t *testing.T) {
	t.Run("will reject every setter", func(t *testing.T) {
		t.Run("if the handle has been finalized", func(t *testing.T) {
			h := NewHandle(NewBufferSink())
			h.Finalize()

			setters := map[string]func() error{
				"method":          func() error { return h.SetMethod(http.MethodPost) },
				"header":          func() error { return h.SetHeader("X-Test", "1") },
				"body":            func() error { return h.SetBody([]byte("hello")) },
				"timeout":         func() error { return h.SetTimeout(time.Second) },
				"connect timeout": func() error { return h.SetConnectTimeout(time.Second) },
				"redirects":       func() error { return h.SetFollowRedirects(false) },
				"max redirects":   func() error { return h.SetMaxRedirects(1) },
				"skip verify":     func() error { return h.SetInsecureSkipVerify(true) },
				"proxy":           func() error { return h.SetProxy("http://proxy.local:8080") },
				"basic auth":      func() error { return h.SetBasicAuth("user", "pass") },
				"cookie":          func() error { return h.AddCookie("a=b") },
				"user agent":      func() error { return h.SetUserAgent("ferry") },
			}
			for name, set := range setters {
				if !assert.ErrorIs(t, set(), ErrFinalized, name) {
					return
				}
			}
		})
	})

	t.Run("will reject invalid values", func(t *testing.T) {
		t.Run("if the method is empty", func(t *testing.T) {
			h := NewHandle(NewBufferSink())

			var eerr Error
			if !assert.ErrorAs(t, h.SetMethod(""), &eerr) {
				return
			}
		})

		t.Run("if a duration is negative", func(t *testing.T) {
			h := NewHandle(NewBufferSink())

			var eerr Error
			if !assert.ErrorAs(t, h.SetTimeout(-time.Second), &eerr) {
				return
			}
			if !assert.ErrorAs(t, h.SetConnectTimeout(-time.Second), &eerr) {
				return
			}
			if !assert.ErrorAs(t, h.SetMaxRedirects(-1), &eerr) {
				return
			}
		})
	})

	t.Run("will record the configuration", func(t *testing.T) {
		t.Run("if the handle has not been finalized", func(t *testing.T) {
			h := NewHandle(NewBufferSink())

			if !assert.Nil(t, h.SetMethod(http.MethodPost)) {
				return
			}
			if !assert.Nil(t, h.SetBody([]byte("hello"))) {
				return
			}
			if !assert.Nil(t, h.SetBasicAuth("user", "pass")) {
				return
			}
			if !assert.Nil(t, h.SetUserAgent("ferry")) {
				return
			}

			if !assert.Equal(t, http.MethodPost, h.Method()) {
				return
			}
			if !assert.Equal(t, []byte("hello"), h.Body()) {
				return
			}
			username, password, ok := h.BasicAuth()
			if !assert.True(t, ok) {
				return
			}
			if !assert.Equal(t, "user", username) {
				return
			}
			if !assert.Equal(t, "pass", password) {
				return
			}
			if !assert.Equal(t, "ferry", h.UserAgent()) {
				return
			}
		})
	})
}

func TestHandle_StatusCode(t *testing.T) {
	t.Run("will return an error", func(t *testing.T) {
		t.Run("if the transfer has not completed", func(t *testing.T) {
			h := NewHandle(NewBufferSink())

			_, err := h.StatusCode()
			if !assert.ErrorIs(t, err, ErrNotCompleted) {
				return
			}
			_, err = h.ResponseHeader()
			if !assert.ErrorIs(t, err, ErrNotCompleted) {
				return
			}
		})
	})

	t.Run("will return the outcome", func(t *testing.T) {
		t.Run("if the transfer has completed", func(t *testing.T) {
			h := NewHandle(NewBufferSink())
			header := http.Header{"Content-Type": []string{"application/json"}}
			h.Complete(http.StatusAccepted, header)

			if !assert.True(t, h.Completed()) {
				return
			}
			status, err := h.StatusCode()
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, http.StatusAccepted, status) {
				return
			}
			got, err := h.ResponseHeader()
			if !assert.Nil(t, err) {
				return
			}
			if !assert.Equal(t, "application/json", got.Get("Content-Type")) {
				return
			}
		})
	})
}

func TestBufferSink(t *testing.T) {
	t.Run("will accumulate chunks in order", func(t *testing.T) {
		t.Run("if written to multiple times", func(t *testing.T) {
			sink := NewBufferSink()

			for _, chunk := range []string{"hello", " ", "world"} {
				n, err := sink.Write([]byte(chunk))
				if !assert.Nil(t, err) {
					return
				}
				if !assert.Equal(t, len(chunk), n) {
					return
				}
			}

			if !assert.Equal(t, "hello world", string(sink.Bytes())) {
				return
			}
			if !assert.Equal(t, len("hello world"), sink.Len()) {
				return
			}
		})
	})
}
