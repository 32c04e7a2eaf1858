// Package contentenc applies an optional whole-file compression before a
// transfer is erasure coded. The encoding name travels in the transfer
// metadata so the receiver can undo it.
package contentenc

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding names as carried on the wire. None is the empty string so raw
// transfers carry no extra metadata.
const (
	None = ""
	Zstd = "zstd"
	LZ4  = "lz4"
)

// MaxDecodedSize bounds what Decode will inflate a payload to.
const MaxDecodedSize = 1 << 34

var (
	ErrUnknownEncoding = errors.New("unknown content encoding")
	ErrTooLarge        = errors.New("decoded content exceeds limit")
)

var zstdEncoder *zstd.Encoder

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("contentenc: zstd encoder initialization failed: " + err.Error())
	}
}

// Parse normalizes a user supplied encoding name. "none" and "raw" map to
// None.
func Parse(name string) (string, error) {
	switch name {
	case "", "none", "raw":
		return None, nil
	case Zstd, LZ4:
		return name, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// Encode compresses data with the named encoding. None returns data as is.
func Encode(name string, data []byte) ([]byte, error) {
	switch name {
	case None:
		return data, nil
	case Zstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	case LZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
}

// Decode reverses Encode. Output longer than limit bytes is an error; a
// zero limit means MaxDecodedSize.
func Decode(name string, data []byte, limit uint64) ([]byte, error) {
	if limit == 0 || limit > MaxDecodedSize {
		limit = MaxDecodedSize
	}
	var out []byte
	switch name {
	case None:
		out = data
	case Zstd:
		if len(data) == 0 {
			break
		}
		decoded, err := decodeZstd(data, limit)
		if err != nil {
			return nil, err
		}
		out = decoded
	case LZ4:
		var buf bytes.Buffer
		r := io.LimitReader(lz4.NewReader(bytes.NewReader(data)), int64(limit)+1)
		if _, err := io.Copy(&buf, r); err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		out = buf.Bytes()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEncoding, name)
	}
	if uint64(len(out)) > limit {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	}
	return out, nil
}

// decodeZstd streams data through a decoder whose window is capped at limit,
// so a small hostile payload cannot inflate past limit+1 bytes in memory.
func decodeZstd(data []byte, limit uint64) ([]byte, error) {
	dec, err := zstd.NewReader(bytes.NewReader(data),
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderMaxMemory(max(limit, zstd.MinWindowSize)),
	)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	defer dec.Close()

	var buf bytes.Buffer
	_, err = io.Copy(&buf, io.LimitReader(dec, int64(limit)+1))
	switch {
	case errors.Is(err, zstd.ErrWindowSizeExceeded), errors.Is(err, zstd.ErrDecoderSizeExceeded):
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, limit)
	case err != nil:
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return buf.Bytes(), nil
}
