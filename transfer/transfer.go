// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package transfer provides a two state builder for configuring and
// performing transfers through a ferry.Bridge.
//
// A Builder only configures; calling Finalize moves it into the
// Finalized state which only performs. Perform simply does not exist
// on Builder, so "perform before configuring is complete" and
// "configure after submission" are both compile errors rather than
// runtime surprises.
package transfer

import (
	"context"
	"time"

	"github.com/z5labs/ferry"
	"github.com/z5labs/ferry/engine"
)

// Builder accumulates transfer options. Setters chain; the first
// failing setter, e.g. a malformed url, latches its error, later
// setters become no-ops and Finalize returns it.
type Builder struct {
	bridge *ferry.Bridge
	handle *engine.Handle
	err    error
}

// New returns a Builder for a transfer whose response body will be
// accumulated in sink.
func New(bridge *ferry.Bridge, sink engine.Sink) *Builder {
	return &Builder{
		bridge: bridge,
		handle: engine.NewHandle(sink),
	}
}

func (b *Builder) set(f func(*engine.Handle) error) *Builder {
	if b.err != nil {
		return b
	}
	b.err = f(b.handle)
	return b
}

// URL sets the target url. The url must be absolute.
func (b *Builder) URL(raw string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetURL(raw)
	})
}

// Method sets the request method.
func (b *Builder) Method(method string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetMethod(method)
	})
}

// Get sets the request method to GET.
func (b *Builder) Get() *Builder {
	return b.Method("GET")
}

// Post sets the request method to POST along with the request body.
func (b *Builder) Post(body []byte) *Builder {
	return b.Method("POST").Body(body)
}

// Header sets a request header, replacing any existing values for the key.
func (b *Builder) Header(key, value string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetHeader(key, value)
	})
}

// Body sets the request body.
func (b *Builder) Body(body []byte) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetBody(body)
	})
}

// Timeout bounds the entire transfer. Zero means no bound.
func (b *Builder) Timeout(d time.Duration) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetTimeout(d)
	})
}

// ConnectTimeout bounds connection establishment only.
func (b *Builder) ConnectTimeout(d time.Duration) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetConnectTimeout(d)
	})
}

// FollowRedirects controls whether redirect responses are followed.
//
// By default redirects are followed.
func (b *Builder) FollowRedirects(follow bool) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetFollowRedirects(follow)
	})
}

// MaxRedirects bounds how many redirect hops are followed.
func (b *Builder) MaxRedirects(n int) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetMaxRedirects(n)
	})
}

// InsecureSkipVerify disables TLS certificate verification.
//
// By default certificates are verified.
func (b *Builder) InsecureSkipVerify(skip bool) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetInsecureSkipVerify(skip)
	})
}

// Proxy routes the transfer through the given proxy url.
func (b *Builder) Proxy(raw string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetProxy(raw)
	})
}

// BasicAuth sets credentials for HTTP basic authentication.
func (b *Builder) BasicAuth(username, password string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetBasicAuth(username, password)
	})
}

// Cookie appends a cookie in "NAME=VALUE" form.
func (b *Builder) Cookie(cookie string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.AddCookie(cookie)
	})
}

// AcceptEncoding sets the Accept-Encoding header value.
func (b *Builder) AcceptEncoding(encoding string) *Builder {
	return b.Header("Accept-Encoding", encoding)
}

// UserAgent sets the User-Agent header value.
func (b *Builder) UserAgent(ua string) *Builder {
	return b.set(func(h *engine.Handle) error {
		return h.SetUserAgent(ua)
	})
}

// Finalize freezes the configuration and returns the performable
// transfer. It is the only transition out of the building state and
// it is irreversible: the underlying handle rejects any further
// setter with engine.ErrFinalized.
func (b *Builder) Finalize() (*Finalized, error) {
	if b.err != nil {
		return nil, b.err
	}
	b.handle.Finalize()
	return &Finalized{
		bridge: b.bridge,
		handle: b.handle,
	}, nil
}

// Finalized is a fully configured transfer. Its only capability is
// performing itself.
type Finalized struct {
	bridge *ferry.Bridge
	handle *engine.Handle
}

// Handle returns the underlying engine.Handle.
func (f *Finalized) Handle() *engine.Handle {
	return f.handle
}

// Perform submits the transfer and blocks until the worker delivers
// the completed Handle back, or ctx is done.
func (f *Finalized) Perform(ctx context.Context) (*engine.Handle, error) {
	return f.bridge.Submit(ctx, f.handle)
}
