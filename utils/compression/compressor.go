// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package compression wraps zstd for best-effort payload compression.
package compression

import (
	"errors"
	"fmt"
	"math"

	"github.com/klauspost/compress/zstd"
)

var (
	ErrInvalidMaxSizeCompressor = errors.New("invalid compressor max size")
	ErrDecompressedMsgTooLarge  = errors.New("decompressed msg too large")
	ErrMsgTooLarge              = errors.New("msg too large to be compressed")

	_ Compressor = (*zstdCompressor)(nil)
)

// Compressor compresses and decompresses opaque payloads.
type Compressor interface {
	Compress([]byte) ([]byte, error)
	Decompress([]byte) ([]byte, error)
}

// NewZstdCompressor returns a zstd Compressor that refuses payloads larger
// than maxSize on either side of the transform.
func NewZstdCompressor(maxSize int64) (Compressor, error) {
	return NewZstdCompressorWithLevel(maxSize, zstd.SpeedDefault)
}

func NewZstdCompressorWithLevel(maxSize int64, level zstd.EncoderLevel) (Compressor, error) {
	if maxSize <= 0 || maxSize == math.MaxInt64 {
		// The decoder memory limit below is maxSize+1; an overflowing limit
		// would read nothing at all.
		return nil, ErrInvalidMaxSizeCompressor
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(maxSize)))
	if err != nil {
		return nil, err
	}
	return &zstdCompressor{
		maxSize: maxSize,
		level:   level,
		decoder: decoder,
	}, nil
}

type zstdCompressor struct {
	maxSize int64
	level   zstd.EncoderLevel
	decoder *zstd.Decoder
}

func (z *zstdCompressor) Compress(msg []byte) ([]byte, error) {
	if int64(len(msg)) > z.maxSize {
		return nil, fmt.Errorf("%w: (%d) > (%d)", ErrMsgTooLarge, len(msg), z.maxSize)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(z.level))
	if err != nil {
		return nil, err
	}
	return encoder.EncodeAll(msg, nil), nil
}

func (z *zstdCompressor) Decompress(msg []byte) ([]byte, error) {
	decompressed, err := z.decoder.DecodeAll(msg, nil)
	if err != nil {
		return nil, err
	}
	if int64(len(decompressed)) > z.maxSize {
		return nil, fmt.Errorf("%w: (%d) > (%d)", ErrDecompressedMsgTooLarge, len(decompressed), z.maxSize)
	}
	return decompressed, nil
}
