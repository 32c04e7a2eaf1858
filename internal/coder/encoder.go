package coder

import (
	"errors"
	"fmt"

	fountain "github.com/google/gofountain"
)

// repairWindow is how many repair symbols a block encoder generates ahead
// of the caller. Raptor encoding rebuilds the intermediate symbols on every
// call, so small residual batches are served from this window.
const repairWindow = 64

var ErrSymbolSize = errors.New("symbol size must be a positive multiple of the alignment")

// Fragment is one encoding symbol of one source block.
type Fragment struct {
	_ struct{} `cbor:",toarray"`

	Block uint32
	ESI   uint32
	Data  []byte
}

// Encoder produces fragments for a single transfer.
type Encoder struct {
	cfg    TransferConfig
	blocks []*BlockEncoder
}

// NewEncoder prepares data for encoding with fragments of at most
// symbolSize bytes. data is not retained beyond the block copies.
func NewEncoder(data []byte, symbolSize uint16) (*Encoder, error) {
	if symbolSize == 0 || symbolSize%DefaultAlignment != 0 {
		return nil, fmt.Errorf("%w: %d", ErrSymbolSize, symbolSize)
	}
	cfg, err := NewTransferConfig(uint64(len(data)), symbolSize)
	if err != nil {
		return nil, err
	}
	enc := &Encoder{cfg: cfg}
	for _, layout := range cfg.Blocks() {
		src := make([]byte, layout.Length)
		copy(src, data[layout.Offset:layout.Offset+layout.Length])
		enc.blocks = append(enc.blocks, newBlockEncoder(cfg, layout, src))
	}
	return enc, nil
}

// Config returns the transfer config receivers need to decode.
func (e *Encoder) Config() TransferConfig {
	return e.cfg
}

// Blocks returns one encoder per source block.
func (e *Encoder) Blocks() []*BlockEncoder {
	return e.blocks
}

// SourceAndRepair returns every systematic fragment of every block followed
// by repairs repair fragments per block.
func (e *Encoder) SourceAndRepair(repairs uint32) []Fragment {
	var out []Fragment
	for _, b := range e.blocks {
		out = append(out, b.Source()...)
		out = append(out, b.Repair(0, repairs)...)
	}
	return out
}

// BlockEncoder generates fragments for one source block.
type BlockEncoder struct {
	layout BlockLayout
	source []byte
	codec  fountain.Codec

	cache      []Fragment
	cacheStart uint32
}

func newBlockEncoder(cfg TransferConfig, layout BlockLayout, source []byte) *BlockEncoder {
	b := &BlockEncoder{layout: layout, source: source}
	if layout.Length > 0 {
		b.codec = fountain.NewRaptorCodec(layout.Symbols, int(cfg.Alignment))
	}
	return b
}

// Index is the block number within the transfer.
func (b *BlockEncoder) Index() int {
	return b.layout.Index
}

// Layout returns the byte range and symbol count of the block.
func (b *BlockEncoder) Layout() BlockLayout {
	return b.layout
}

// Source returns the systematic fragments, ESI 0 through K-1.
func (b *BlockEncoder) Source() []Fragment {
	ids := make([]int64, b.layout.Symbols)
	for i := range ids {
		ids[i] = int64(i)
	}
	return b.encode(ids)
}

// Repair returns count repair fragments starting at repair index start.
// The result depends only on (start, count); advancing start yields fresh
// symbols until the block's ESI space wraps.
func (b *BlockEncoder) Repair(start, count uint32) []Fragment {
	if count == 0 {
		return nil
	}
	out := make([]Fragment, 0, count)
	for i := uint32(0); i < count; i++ {
		idx := start + i
		f, ok := b.cached(idx)
		if !ok {
			b.fill(idx, count-i)
			f, _ = b.cached(idx)
		}
		out = append(out, f)
	}
	return out
}

// RepairESI maps a repair index onto the block's ESI space.
func (b *BlockEncoder) RepairESI(idx uint32) uint32 {
	k := uint32(b.layout.Symbols)
	return k + idx%(esiSpace-k)
}

func (b *BlockEncoder) cached(idx uint32) (Fragment, bool) {
	off := idx - b.cacheStart
	if off >= uint32(len(b.cache)) {
		return Fragment{}, false
	}
	return b.cache[off], true
}

func (b *BlockEncoder) fill(idx, want uint32) {
	n := want
	if n < repairWindow {
		n = repairWindow
	}
	ids := make([]int64, n)
	for i := range ids {
		ids[i] = int64(b.RepairESI(idx + uint32(i)))
	}
	b.cache = b.encode(ids)
	b.cacheStart = idx
}

func (b *BlockEncoder) encode(ids []int64) []Fragment {
	out := make([]Fragment, 0, len(ids))
	if b.layout.Length == 0 {
		for _, id := range ids {
			out = append(out, Fragment{Block: uint32(b.layout.Index), ESI: uint32(id)})
		}
		return out
	}
	// EncodeLTBlocks scribbles over its message argument.
	msg := make([]byte, len(b.source))
	copy(msg, b.source)
	for _, lt := range fountain.EncodeLTBlocks(msg, ids, b.codec) {
		out = append(out, Fragment{
			Block: uint32(b.layout.Index),
			ESI:   uint32(lt.BlockCode),
			Data:  lt.Data,
		})
	}
	return out
}
