package coder

import (
	"errors"
	"fmt"
)

const (
	// DefaultSymbolSize is the maximum fragment payload in bytes. It keeps a
	// framed fragment inside a single unfragmented datagram on common paths.
	DefaultSymbolSize = 1200

	// DefaultAlignment is the symbol alignment handed to the Raptor codec.
	DefaultAlignment = 4

	// MinSourceSymbols is the smallest source block the Raptor systematic
	// index table supports.
	MinSourceSymbols = 4

	// MaxBlockSymbols caps the number of source symbols per block. Larger
	// transfers are split into several independently decodable blocks.
	MaxBlockSymbols = 512

	// MaxTransferLength bounds the transfer length a config may describe.
	MaxTransferLength = 1 << 34

	// esiSpace is the number of distinct encoding symbol IDs per block.
	esiSpace = 1 << 16
)

var (
	ErrInvalidConfig   = errors.New("invalid transfer config")
	ErrInvalidFragment = errors.New("invalid fragment")
)

// TransferConfig carries everything a decoder needs to rebuild a transfer.
// It is comparable so it can be part of a map key.
type TransferConfig struct {
	_ struct{} `cbor:",toarray"`

	TransferLength uint64
	SymbolSize     uint16
	SourceBlocks   uint32
	Alignment      uint8
}

// BlockLayout describes one source block of a transfer.
type BlockLayout struct {
	Index  int
	Offset uint64
	Length uint64
	// Symbols is the number of source symbols the codec splits the block
	// into. ESIs below Symbols are systematic.
	Symbols int
}

// NewTransferConfig derives the config for a transfer of length bytes cut
// into symbols of at most symbolSize bytes.
func NewTransferConfig(length uint64, symbolSize uint16) (TransferConfig, error) {
	cfg := TransferConfig{
		TransferLength: length,
		SymbolSize:     symbolSize,
		Alignment:      DefaultAlignment,
	}
	cfg.SourceBlocks = uint32(blockCount(totalSymbols(length, symbolSize)))
	if err := cfg.Validate(); err != nil {
		return TransferConfig{}, err
	}
	return cfg, nil
}

// Validate checks that the config is internally consistent. Configs arrive
// from the network, so nothing derived from them is trusted before this.
func (c TransferConfig) Validate() error {
	if c.Alignment == 0 {
		return fmt.Errorf("%w: zero alignment", ErrInvalidConfig)
	}
	if c.SymbolSize == 0 || c.SymbolSize%uint16(c.Alignment) != 0 {
		return fmt.Errorf("%w: symbol size %d not a positive multiple of alignment %d", ErrInvalidConfig, c.SymbolSize, c.Alignment)
	}
	if c.TransferLength > MaxTransferLength {
		return fmt.Errorf("%w: transfer length %d exceeds %d", ErrInvalidConfig, c.TransferLength, uint64(MaxTransferLength))
	}
	want := blockCount(totalSymbols(c.TransferLength, c.SymbolSize))
	if uint64(c.SourceBlocks) != want {
		return fmt.Errorf("%w: %d source blocks, layout needs %d", ErrInvalidConfig, c.SourceBlocks, want)
	}
	return nil
}

// Blocks returns the layout of every source block in order.
func (c TransferConfig) Blocks() []BlockLayout {
	out := make([]BlockLayout, 0, c.SourceBlocks)
	for i := 0; i < int(c.SourceBlocks); i++ {
		out = append(out, c.Block(i))
	}
	return out
}

// Block returns the layout of block i. The first Kt mod Z blocks carry one
// symbol more than the rest.
func (c TransferConfig) Block(i int) BlockLayout {
	if c.TransferLength == 0 {
		return BlockLayout{Index: 0, Symbols: 1}
	}
	kt := totalSymbols(c.TransferLength, c.SymbolSize)
	z := uint64(c.SourceBlocks)
	long := (kt + z - 1) / z
	short := kt / z
	numLong := kt - short*z

	idx := uint64(i)
	var k, firstSymbol uint64
	if idx < numLong {
		k = long
		firstSymbol = idx * long
	} else {
		k = short
		firstSymbol = numLong*long + (idx-numLong)*short
	}
	offset := firstSymbol * uint64(c.SymbolSize)
	length := k * uint64(c.SymbolSize)
	if offset+length > c.TransferLength {
		length = c.TransferLength - offset
	}
	symbols := int(k)
	if symbols < MinSourceSymbols {
		symbols = MinSourceSymbols
	}
	return BlockLayout{Index: i, Offset: offset, Length: length, Symbols: symbols}
}

// RequiredSymbols is the number of distinct symbols a receiver needs at
// minimum, summed over all blocks.
func (c TransferConfig) RequiredSymbols() int {
	total := 0
	for _, b := range c.Blocks() {
		total += b.Symbols
	}
	return total
}

// CheckFragment reports whether f is shaped like a fragment of a transfer
// with this config. It does not look at fragment contents.
func (c TransferConfig) CheckFragment(f Fragment) error {
	if f.Block >= c.SourceBlocks {
		return fmt.Errorf("%w: block %d of %d", ErrInvalidFragment, f.Block, c.SourceBlocks)
	}
	if f.ESI >= esiSpace {
		return fmt.Errorf("%w: esi %d out of range", ErrInvalidFragment, f.ESI)
	}
	layout := c.Block(int(f.Block))
	if layout.Length == 0 {
		if len(f.Data) != 0 {
			return fmt.Errorf("%w: payload on empty block", ErrInvalidFragment)
		}
		return nil
	}
	if len(f.Data) == 0 || len(f.Data) > int(c.SymbolSize) {
		return fmt.Errorf("%w: payload of %d bytes, symbol size %d", ErrInvalidFragment, len(f.Data), c.SymbolSize)
	}
	return nil
}

func totalSymbols(length uint64, symbolSize uint16) uint64 {
	if length == 0 || symbolSize == 0 {
		return 0
	}
	return (length + uint64(symbolSize) - 1) / uint64(symbolSize)
}

func blockCount(kt uint64) uint64 {
	if kt == 0 {
		return 1
	}
	return (kt + MaxBlockSymbols - 1) / MaxBlockSymbols
}
