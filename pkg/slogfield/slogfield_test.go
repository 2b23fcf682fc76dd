// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

package slogfield

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJsonHandler(t *testing.T) {
	testCases := []struct {
		Name     string
		Attr     slog.Attr
		Validate func(*testing.T, map[string]any)
	}{
		{
			Name: "any",
			Attr: Any("value", true),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.Equal(t, true, fields["value"])
			},
		},
		{
			Name: "bool",
			Attr: Bool("value", true),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.Equal(t, true, fields["value"])
			},
		},
		{
			Name: "duration",
			Attr: Duration("value", time.Second),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.EqualValues(t, time.Second.Nanoseconds(), fields["value"])
			},
		},
		{
			Name: "error",
			Attr: Error(errors.New("an error")),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.Equal(t, "an error", fields["error"])
			},
		},
		{
			Name: "int",
			Attr: Int("value", 10),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.EqualValues(t, 10, fields["value"])
			},
		},
		{
			Name: "string",
			Attr: String("value", "hello"),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.Equal(t, "hello", fields["value"])
			},
		},
		{
			Name: "uint64",
			Attr: Uint64("value", 10),
			Validate: func(t *testing.T, fields map[string]any) {
				assert.EqualValues(t, 10, fields["value"])
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.Name, func(t *testing.T) {
			var buf bytes.Buffer
			log := slog.New(slog.NewJSONHandler(&buf, nil))
			log.LogAttrs(context.Background(), slog.LevelInfo, "log message", testCase.Attr)

			var fields map[string]any
			err := json.Unmarshal(buf.Bytes(), &fields)
			if !assert.Nil(t, err) {
				return
			}
			testCase.Validate(t, fields)
		})
	}
}
