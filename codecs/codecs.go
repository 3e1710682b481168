// Package codecs provides compressors and decompressors of staged objects.
package codecs

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	pb "go.spoilers.dev/core/protocol"
)

// Decompressor is a ReadCloser where Close closes and releases Decompressor
// state, but does not Close or affect the underlying Reader.
type Decompressor io.ReadCloser

// Compressor is a WriteCloser where Close closes and releases Compressor
// state, potentially flushing final content to the underlying Writer,
// but does not Close or otherwise affect the underlying Writer.
type Compressor io.WriteCloser

// NewCodecReader returns a Decompressor of the Reader encoded with Codec.
func NewCodecReader(r io.Reader, codec pb.Codec) (Decompressor, error) {
	switch codec {
	case pb.Codec_NONE, "":
		return io.NopCloser(r), nil
	case pb.Codec_GZIP:
		return gzip.NewReader(r)
	case pb.Codec_ZSTD:
		var d, err = zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return zstdDecompressor{d}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

// NewCodecWriter returns a Compressor wrapping the Writer encoding with Codec.
func NewCodecWriter(w io.Writer, codec pb.Codec) (Compressor, error) {
	switch codec {
	case pb.Codec_NONE, "":
		return nopWriteCloser{w}, nil
	case pb.Codec_GZIP:
		return gzip.NewWriter(w), nil
	case pb.Codec_ZSTD:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec %s", codec)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// zstdDecompressor adapts *zstd.Decoder, whose Close has no error return.
type zstdDecompressor struct{ *zstd.Decoder }

func (d zstdDecompressor) Close() error {
	d.Decoder.Close()
	return nil
}
