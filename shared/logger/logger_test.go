// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// capture redirects the standard logger and returns the JSON entry of the
// single line written by fn.
func capture(t *testing.T, fn func()) LogEntry {
	t.Helper()

	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	fn()

	line := buf.String()
	start := strings.Index(line, "{")
	require.GreaterOrEqual(t, start, 0, "no JSON found in log line: %q", line)

	var entry LogEntry
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(line[start:])), &entry))
	return entry
}

func TestNew(t *testing.T) {
	l := New("relay")

	assert.Equal(t, "relay", l.Component)
	assert.NotEmpty(t, l.Container)
}

func TestInfo(t *testing.T) {
	l := New("relay")

	entry := capture(t, func() {
		l.Info("req-1", "run-1", "Run submitted", map[string]interface{}{
			"thread_id": "thread-9",
		})
	})

	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, "relay", entry.Component)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, "Run submitted", entry.Message)
	assert.Equal(t, "thread-9", entry.Fields["thread_id"])
	assert.NotEmpty(t, entry.Timestamp)
}

func TestLevels(t *testing.T) {
	l := New("relay")

	tests := []struct {
		name  string
		log   func()
		level LogLevel
	}{
		{name: "debug", log: func() { l.Debug("", "", "m", nil) }, level: DEBUG},
		{name: "info", log: func() { l.Info("", "", "m", nil) }, level: INFO},
		{name: "warn", log: func() { l.Warn("", "", "m", nil) }, level: WARN},
		{name: "error", log: func() { l.Error("", "", "m", nil) }, level: ERROR},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entry := capture(t, tt.log)
			assert.Equal(t, tt.level, entry.Level)
		})
	}
}

func TestInfoWithDuration(t *testing.T) {
	l := New("relay")

	entry := capture(t, func() {
		l.InfoWithDuration("req-1", "run-1", "Status poll completed", 57.5, nil)
	})

	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, 57.5, entry.Fields["duration_ms"])
}

func TestErrorWithCode(t *testing.T) {
	l := New("relay")

	entry := capture(t, func() {
		l.ErrorWithCode("req-1", "run-1", "Status poll failed", 502, errors.New("bad gateway"), nil)
	})

	assert.Equal(t, ERROR, entry.Level)
	assert.EqualValues(t, 502, entry.Fields["status_code"])
	assert.Equal(t, "bad gateway", entry.Fields["error"])
}

func TestErrorWithCode_NilError(t *testing.T) {
	l := New("relay")

	entry := capture(t, func() {
		l.ErrorWithCode("req-1", "", "Rejected", 400, nil, nil)
	})

	assert.EqualValues(t, 400, entry.Fields["status_code"])
	assert.NotContains(t, entry.Fields, "error")
}

func TestOmitsEmptyRequestContext(t *testing.T) {
	l := New("relay")

	var buf bytes.Buffer
	orig := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(orig)

	l.Info("", "", "startup complete", nil)

	assert.NotContains(t, buf.String(), "request_id")
	assert.NotContains(t, buf.String(), "run_id")
	assert.NotContains(t, buf.String(), "fields")
}
