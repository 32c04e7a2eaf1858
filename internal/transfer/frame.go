package transfer

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/fxamacker/cbor/v2"
	sha256 "github.com/minio/sha256-simd"

	"github.com/sheerbytes/robin/internal/coder"
)

const (
	// DigestSize is the length of the SHA-256 frame digest.
	DigestSize = sha256.Size

	// MaxFrameSize is the largest UDP payload; receive buffers use it.
	MaxFrameSize = 65507
)

var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrDigestMismatch = errors.New("frame digest mismatch")
	ErrBadFilename    = errors.New("filename is not valid UTF-8")
)

// framePayload is the digested part of a frame.
type framePayload struct {
	_ struct{} `cbor:",toarray"`

	Meta     Meta
	Fragment coder.Fragment
}

// frameEnvelope is what goes on the wire.
type frameEnvelope struct {
	_ struct{} `cbor:",toarray"`

	Buffer []byte
	Digest []byte
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("transfer: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 16,
		MaxMapPairs:      16,
		MaxNestedLevels:  8,
	}.DecMode()
	if err != nil {
		panic("transfer: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeFrame serializes meta and frag and wraps them with a digest.
func EncodeFrame(meta Meta, frag coder.Fragment) ([]byte, error) {
	// Receivers reject invalid UTF-8 text strings.
	if !utf8.ValidString(meta.Filename) {
		return nil, fmt.Errorf("%w: %q", ErrBadFilename, meta.Filename)
	}
	buf, err := encMode.Marshal(framePayload{Meta: meta, Fragment: frag})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	sum := sha256.Sum256(buf)
	out, err := encMode.Marshal(frameEnvelope{Buffer: buf, Digest: sum[:]})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return out, nil
}

// DecodeFrame validates and unwraps a frame. Any byte sequence that is not
// exactly what EncodeFrame would produce for its contents is rejected with
// ErrMalformedFrame or ErrDigestMismatch.
func DecodeFrame(b []byte) (Meta, coder.Fragment, error) {
	if len(b) > MaxFrameSize {
		return Meta{}, coder.Fragment{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}
	var env frameEnvelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return Meta{}, coder.Fragment{}, fmt.Errorf("%w: envelope: %v", ErrMalformedFrame, err)
	}
	// Reject alternative encodings of the same envelope so a flipped bit
	// can never produce an accepted frame.
	canonical, err := encMode.Marshal(env)
	if err != nil || !bytes.Equal(canonical, b) {
		return Meta{}, coder.Fragment{}, fmt.Errorf("%w: non-canonical envelope", ErrMalformedFrame)
	}
	sum := sha256.Sum256(env.Buffer)
	if len(env.Digest) != DigestSize || subtle.ConstantTimeCompare(sum[:], env.Digest) != 1 {
		return Meta{}, coder.Fragment{}, ErrDigestMismatch
	}
	var p framePayload
	if err := decMode.Unmarshal(env.Buffer, &p); err != nil {
		return Meta{}, coder.Fragment{}, fmt.Errorf("%w: payload: %v", ErrMalformedFrame, err)
	}
	return p.Meta, p.Fragment, nil
}
