package resource

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pb "go.spoilers.dev/core/protocol"
)

func TestReadDefinitions(t *testing.T) {
	var defs, err = ReadDefinitions(strings.NewReader(`
resources:
  - name: log_level_warning
    buffered: true
    flush_interval: 30m
    columns:
      - {name: timestamp, type: timestamp}
      - {name: title, type: varchar}
      - {name: body, type: text, nullable: true}
  - name: notes
    endpoint: /v1/notes
    table: user_notes
    page_limit: 25
    columns:
      - {name: note, type: text}
`))
	require.NoError(t, err)
	require.Len(t, defs.Resources, 2)

	var warning = defs.Resources[0]
	require.True(t, warning.Buffered)
	require.Equal(t, 30*time.Minute, warning.FlushInterval)
	require.Equal(t, pb.ColumnSpec{Name: "body", Type: pb.ColumnType_TEXT, Nullable: true}, warning.Columns[2])
	require.Equal(t, "/log_level_warning", warning.EndpointPath())

	var notes = defs.Resources[1]
	require.False(t, notes.Buffered)
	require.Equal(t, "user_notes", notes.TableName())
	require.Equal(t, 25, notes.EffectivePageLimit())

	for _, tc := range []struct {
		doc, err string
	}{
		{"resources: []", "expected at least one resource"},
		{"resources:\n  - name: x\n    columns:\n      - {name: id, type: bigint}",
			"Resources[0].Columns[0]: column name \"id\" is reserved for the record identity"},
		{"resources:\n  - name: x\n    columns:\n      - {name: a, type: uuid}",
			"Resources[0].Columns[0].Type: unknown column type (uuid)"},
	} {
		_, err = ReadDefinitions(strings.NewReader(tc.doc))
		require.EqualError(t, err, tc.err)
	}

	_, err = ReadDefinitions(strings.NewReader("resources:\n  - name: x\n    bogus: 1\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "decoding resource definitions")
}
