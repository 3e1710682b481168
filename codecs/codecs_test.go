package codecs

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	pb "go.spoilers.dev/core/protocol"
)

func TestCodecRoundTrip(t *testing.T) {
	var content = strings.Repeat("2018-01-02 03:04:05,\\N,some title,t\n", 100)

	for _, codec := range []pb.Codec{pb.Codec_NONE, pb.Codec_GZIP, pb.Codec_ZSTD} {
		t.Run(string(codec), func(t *testing.T) {
			var buf bytes.Buffer
			var w, err = NewCodecWriter(&buf, codec)
			require.NoError(t, err)

			_, err = io.WriteString(w, content)
			require.NoError(t, err)
			require.NoError(t, w.Close())

			if codec != pb.Codec_NONE {
				require.Less(t, buf.Len(), len(content))
			}

			r, err := NewCodecReader(&buf, codec)
			require.NoError(t, err)
			out, err := io.ReadAll(r)
			require.NoError(t, err)
			require.NoError(t, r.Close())
			require.Equal(t, content, string(out))
		})
	}
}

func TestUnknownCodec(t *testing.T) {
	var _, err = NewCodecWriter(io.Discard, "snappy")
	require.EqualError(t, err, "unsupported codec snappy")
	_, err = NewCodecReader(strings.NewReader(""), "snappy")
	require.EqualError(t, err, "unsupported codec snappy")
}
