package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

type nopCloser struct{ io.Reader }

func (nopCloser) Close() error { return nil }

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func newDecompressor(format Format, r io.Reader) (io.ReadCloser, error) {
	switch format {
	case FormatTarGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create gzip reader: %w", err)
		}
		return gz, nil
	case FormatTarZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd reader: %w", err)
		}
		return zstdReadCloser{zr}, nil
	case FormatTarXz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("failed to create xz reader: %w", err)
		}
		return nopCloser{xr}, nil
	default:
		return nopCloser{r}, nil
	}
}

// Decompress wraps r in a gzip, zstd or xz decoder when its leading bytes
// match one of those formats. Any other stream is returned unchanged.
func Decompress(r io.Reader) (io.ReadCloser, error) {
	br := bufio.NewReader(r)
	head, _ := br.Peek(len(magicXz))

	switch {
	case bytes.HasPrefix(head, magicGzip):
		return newDecompressor(FormatTarGzip, br)
	case bytes.HasPrefix(head, magicZstd):
		return newDecompressor(FormatTarZstd, br)
	case bytes.HasPrefix(head, magicXz):
		return newDecompressor(FormatTarXz, br)
	}
	return nopCloser{br}, nil
}
