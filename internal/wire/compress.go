package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// Compression flags (§6): 0 = none, 1 = deflate at the default level.
const (
	CompressionNone    uint8 = 0
	CompressionDeflate uint8 = 1
)

// MaybeCompress deflates data and returns it along with the flag to send,
// but only when doing so actually shrinks the payload: per spec, compression
// is skipped whenever the compressed size would be >= the original size.
func MaybeCompress(data []byte, enabled bool) (payload []byte, flag uint8, err error) {
	if !enabled || len(data) == 0 {
		return data, CompressionNone, nil
	}
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, 0, fmt.Errorf("wire: init deflate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, 0, fmt.Errorf("wire: deflate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, 0, fmt.Errorf("wire: deflate close: %w", err)
	}
	if buf.Len() >= len(data) {
		return data, CompressionNone, nil
	}
	return buf.Bytes(), CompressionDeflate, nil
}

// Decompress reverses MaybeCompress given the flag carried on the wire.
func Decompress(payload []byte, flag uint8) ([]byte, error) {
	switch flag {
	case CompressionNone:
		return payload, nil
	case CompressionDeflate:
		r := flate.NewReader(bytes.NewReader(payload))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("wire: inflate: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("wire: unknown compression flag %d", flag)
	}
}
