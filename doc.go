// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package ferry exposes blocking network transfers as concurrency safe,
// cancellation tolerant operations.
//
// A Bridge spawns a single background worker which owns the transfer
// engine. Callers submit fully configured engine.Handles through the
// Bridge from any number of goroutines; the worker multiplexes all in
// flight transfers inside one engine.Set and delivers each completed
// Handle back to exactly the goroutine which submitted it.
//
//	bridge := ferry.New(func() engine.Set { return httpengine.NewSet() })
//	defer bridge.Shutdown(context.Background())
//
//	sink := engine.NewBufferSink()
//	finalized, err := transfer.New(bridge, sink).
//		URL("https://example.com").
//		Finalize()
//	if err != nil {
//		return err
//	}
//
//	h, err := finalized.Perform(context.Background())
//	if err != nil {
//		return err
//	}
//	status, _ := h.StatusCode()
//	body := sink.Bytes()
package ferry
