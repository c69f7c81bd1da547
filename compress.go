// Compression layers for the serialized events.
//
// Both layers are pure pass-through adapters: write.post compresses,
// read.pre decompresses, and no framing is added beyond what the algorithm
// itself carries. Register compression before encryption; compressing
// high-entropy ciphertext wastes cycles and gains nothing.
package vellum

import (
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// CompressZstd layers Zstandard compression onto s. A zero level selects
// zstd.SpeedDefault.
//
// The encoder and decoder are allocated once per layer: zstd
// encoder/decoder construction is expensive (internal state tables), and
// both are documented as safe for concurrent use.
func CompressZstd(s *Storage, level zstd.EncoderLevel) error {
	if level == 0 {
		level = zstd.SpeedDefault
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(level))
	if err != nil {
		return err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}

	if err := s.OnWritePost(func(_ Event, _ any, data []byte) ([]byte, error) {
		return enc.EncodeAll(data, nil), nil
	}); err != nil {
		return err
	}
	return s.OnReadPre(func(_ Event, _ any, data []byte) ([]byte, error) {
		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %w", ErrDecompress, err)
		}
		return out, nil
	})
}

// CompressS2 layers S2 (Snappy-compatible) compression onto s. Faster than
// Zstandard at a lower ratio; a reasonable choice when write latency matters
// more than file size.
func CompressS2(s *Storage) error {
	if err := s.OnWritePost(func(_ Event, _ any, data []byte) ([]byte, error) {
		return s2.Encode(nil, data), nil
	}); err != nil {
		return err
	}
	return s.OnReadPre(func(_ Event, _ any, data []byte) ([]byte, error) {
		out, err := s2.Decode(nil, data)
		if err != nil {
			return nil, fmt.Errorf("%w: s2: %w", ErrDecompress, err)
		}
		return out, nil
	})
}
