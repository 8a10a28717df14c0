package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// Blob layout:
//
//	magic "VPRT" | version u8 | flags u8 | crc32(payload) u32 LE | payload
//
// The payload is a msgpack record, zstd-compressed when flagZstd is set.
const (
	codecMagic            = "VPRT"
	codecVersion     byte = 1
	flagZstd         byte = 1 << 0
	codecHeaderSize       = 4 + 1 + 1 + 4
	maxDecodedRecord      = 256 << 20
)

var (
	errBadMagic    = errors.New("not a voiceprint blob")
	errBadVersion  = errors.New("unsupported blob version")
	errBadChecksum = errors.New("blob checksum mismatch")
	errTruncated   = errors.New("blob truncated")
)

var (
	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
	zstdErr     error
)

// EncodeAll/DecodeAll are safe for concurrent use, so one shared pair serves
// every request.
func zstdCoders() (*zstd.Encoder, *zstd.Decoder, error) {
	zstdOnce.Do(func() {
		zstdEncoder, zstdErr = zstd.NewWriter(nil)
		if zstdErr != nil {
			return
		}
		zstdDecoder, zstdErr = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedRecord))
	})
	return zstdEncoder, zstdDecoder, zstdErr
}

// Codec converts records to and from self-describing checksummed blobs
type Codec struct {
	compress bool
}

// NewCodec creates a codec; compress enables zstd on write. Reads accept
// both compressed and uncompressed blobs.
func NewCodec(compress bool) *Codec {
	return &Codec{compress: compress}
}

// Encode serializes v into a blob
func (c *Codec) Encode(v any) ([]byte, error) {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	var flags byte
	if c.compress {
		enc, _, err := zstdCoders()
		if err != nil {
			return nil, fmt.Errorf("failed to initialize zstd: %w", err)
		}
		payload = enc.EncodeAll(payload, nil)
		flags |= flagZstd
	}

	blob := make([]byte, codecHeaderSize, codecHeaderSize+len(payload))
	copy(blob, codecMagic)
	blob[4] = codecVersion
	blob[5] = flags
	binary.LittleEndian.PutUint32(blob[6:10], crc32.ChecksumIEEE(payload))
	return append(blob, payload...), nil
}

// Decode verifies the blob header and checksum and unmarshals into v
func (c *Codec) Decode(blob []byte, v any) error {
	if len(blob) < codecHeaderSize {
		return errTruncated
	}
	if string(blob[:4]) != codecMagic {
		return errBadMagic
	}
	if blob[4] != codecVersion {
		return fmt.Errorf("%w: %d", errBadVersion, blob[4])
	}

	flags := blob[5]
	payload := blob[codecHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(blob[6:10]) {
		return errBadChecksum
	}

	if flags&flagZstd != 0 {
		_, dec, err := zstdCoders()
		if err != nil {
			return fmt.Errorf("failed to initialize zstd: %w", err)
		}
		payload, err = dec.DecodeAll(payload, nil)
		if err != nil {
			return fmt.Errorf("failed to decompress record: %w", err)
		}
	}

	if err := msgpack.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return nil
}
