package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.spoilers.dev/core/api"
)

func TestWriteBuffers(t *testing.T) {
	var w bytes.Buffer
	require.NoError(t, writeBuffers(&w, []api.BufferStatus{
		{Resource: "log_level_critical", Depth: 42, State: "idle"},
		{Resource: "log_level_warning", Depth: 7, State: "ingesting", Last: &api.FlushResult{
			Outcome: "failed",
			Rows:    0,
			Started: "2018-01-02 03:04:05",
			Error:   "staging upload failed",
		}},
	}))

	var out = w.String()
	for _, expect := range []string{
		"log_level_critical", "42", "idle",
		"log_level_warning", "ingesting", "failed", "2018-01-02 03:04:05", "staging upload failed",
	} {
		require.Contains(t, out, expect)
	}
}
