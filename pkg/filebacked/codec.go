package filebacked

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Codec converts values to and from their stored form.
type Codec[V any] struct {
	Marshal   func(V) ([]byte, error)
	Unmarshal func([]byte) (V, error)
}

// JSONCodec stores values as JSON.
func JSONCodec[V any]() Codec[V] {
	return Codec[V]{
		Marshal: func(v V) ([]byte, error) {
			return json.Marshal(v)
		},
		Unmarshal: func(b []byte) (V, error) {
			var v V
			err := json.Unmarshal(b, &v)
			return v, err
		},
	}
}

// gzipCodec wraps a codec with gzip compression.
func gzipCodec[V any](inner Codec[V]) Codec[V] {
	return Codec[V]{
		Marshal: func(v V) ([]byte, error) {
			raw, err := inner.Marshal(v)
			if err != nil {
				return nil, err
			}
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			if _, err := zw.Write(raw); err != nil {
				return nil, fmt.Errorf("failed to compress value: %w", err)
			}
			if err := zw.Close(); err != nil {
				return nil, fmt.Errorf("failed to compress value: %w", err)
			}
			return buf.Bytes(), nil
		},
		Unmarshal: func(b []byte) (V, error) {
			var zero V
			zr, err := gzip.NewReader(bytes.NewReader(b))
			if err != nil {
				return zero, fmt.Errorf("failed to decompress value: %w", err)
			}
			defer func() { _ = zr.Close() }()
			raw, err := io.ReadAll(zr)
			if err != nil {
				return zero, fmt.Errorf("failed to decompress value: %w", err)
			}
			return inner.Unmarshal(raw)
		},
	}
}
