// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Toybox Contributors

package errutil_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/samber/oops"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toybox/toybox/pkg/errutil"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogError_WithOopsError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	err := oops.In("record").
		Code("RECORD_LOAD_FAILED").
		With("plugin", "renderer").
		Hint("rebuild it").
		Errorf("something failed")

	errutil.LogError(logger, "operation failed", err)

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, "operation failed", entry["msg"])
	assert.Equal(t, "RECORD_LOAD_FAILED", entry["code"])
	assert.Equal(t, "record", entry["domain"])
	assert.Equal(t, "rebuild it", entry["hint"])
	assert.Equal(t, map[string]any{"plugin": "renderer"}, entry["context"])
}

func TestLogError_WithStandardError(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	errutil.LogError(logger, "operation failed", errors.New("standard error"))

	entry := decode(t, &buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "standard error")
	assert.NotContains(t, entry, "code")
}

func TestCode(t *testing.T) {
	coded := oops.Code("MY_CODE").Errorf("test error")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"plain error", errors.New("x"), ""},
		{"oops without code", oops.Errorf("x"), ""},
		{"oops with code", coded, "MY_CODE"},
		{"wrapped", fmt.Errorf("outer: %w", coded), "MY_CODE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errutil.Code(tt.err))
			assert.Equal(t, tt.want != "", errutil.HasCode(tt.err, "MY_CODE"))
		})
	}
}

func TestAssertHelpers(t *testing.T) {
	err := oops.Code("MY_CODE").With("user_id", "123").Errorf("test error")
	errutil.AssertErrorCode(t, err, "MY_CODE")
	errutil.AssertErrorContext(t, err, "user_id", "123")
}
