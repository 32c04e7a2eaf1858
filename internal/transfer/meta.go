package transfer

import (
	"fmt"
	"log/slog"

	"github.com/sheerbytes/robin/internal/coder"
)

// Meta identifies one logical transfer. Every frame carries it, so a
// receiver can set up a decoder without prior negotiation. Two transfers
// with the same filename but different configs are distinct.
type Meta struct {
	_ struct{} `cbor:",toarray"`

	Filename string
	// Encoding names the content encoding applied before erasure coding,
	// empty for raw bytes.
	Encoding string
	Config   coder.TransferConfig
}

// NewMeta builds the metadata for a transfer.
func NewMeta(filename, encoding string, cfg coder.TransferConfig) Meta {
	return Meta{Filename: filename, Encoding: encoding, Config: cfg}
}

func (m Meta) String() string {
	if m.Encoding == "" {
		return fmt.Sprintf("%s (%d bytes)", m.Filename, m.Config.TransferLength)
	}
	return fmt.Sprintf("%s (%d bytes %s)", m.Filename, m.Config.TransferLength, m.Encoding)
}

// LogValue implements slog.LogValuer.
func (m Meta) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("file", m.Filename),
		slog.Uint64("bytes", m.Config.TransferLength),
		slog.Int("blocks", int(m.Config.SourceBlocks)),
	}
	if m.Encoding != "" {
		attrs = append(attrs, slog.String("encoding", m.Encoding))
	}
	return slog.GroupValue(attrs...)
}
