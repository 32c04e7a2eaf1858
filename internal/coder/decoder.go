package coder

import (
	"fmt"

	fountain "github.com/google/gofountain"
)

// Progress counts distinct useful symbols received against the minimum a
// transfer needs.
type Progress struct {
	Received int
	Required int
}

// Done reports whether every required symbol has been accounted for.
func (p Progress) Done() bool {
	return p.Required > 0 && p.Received >= p.Required
}

// Percent returns Received/Required as a percentage.
func (p Progress) Percent() float64 {
	if p.Required == 0 {
		return 0
	}
	return float64(p.Received) / float64(p.Required) * 100
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d", p.Received, p.Required)
}

// Decoder reassembles one transfer from fragments in any order.
type Decoder struct {
	cfg       TransferConfig
	blocks    map[uint32]*blockDecoder
	completed int
	required  int
	finished  bool
}

type blockDecoder struct {
	layout    BlockLayout
	dec       fountain.Decoder
	seen      map[uint32]struct{}
	symbolLen int
	data      []byte
	done      bool
}

// NewDecoder returns a decoder for a transfer described by cfg.
func NewDecoder(cfg TransferConfig) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Decoder{
		cfg:      cfg,
		blocks:   make(map[uint32]*blockDecoder),
		required: cfg.RequiredSymbols(),
	}, nil
}

// Feed adds one fragment. It returns the reconstructed transfer and true on
// the call that completes it, and nothing on every other call, including
// calls after completion. Duplicate symbols are ignored.
func (d *Decoder) Feed(f Fragment) ([]byte, bool, error) {
	if d.finished {
		return nil, false, nil
	}
	if err := d.cfg.CheckFragment(f); err != nil {
		return nil, false, err
	}
	bd := d.block(f.Block)
	if bd.done {
		return nil, false, nil
	}
	if _, dup := bd.seen[f.ESI]; dup {
		return nil, false, nil
	}
	if bd.symbolLen != 0 && len(f.Data) != bd.symbolLen {
		return nil, false, fmt.Errorf("%w: block %d payload of %d bytes, want %d", ErrInvalidFragment, f.Block, len(f.Data), bd.symbolLen)
	}
	bd.seen[f.ESI] = struct{}{}
	bd.symbolLen = len(f.Data)

	if bd.layout.Length == 0 {
		bd.data = []byte{}
		bd.done = true
	} else {
		data := make([]byte, len(f.Data))
		copy(data, f.Data)
		if bd.dec.AddBlocks([]fountain.LTBlock{{BlockCode: int64(f.ESI), Data: data}}) {
			if out := bd.dec.Decode(); out != nil {
				bd.data = out
				bd.done = true
			}
		}
	}
	if !bd.done {
		return nil, false, nil
	}
	bd.dec = nil
	bd.seen = nil
	d.completed++
	if d.completed < int(d.cfg.SourceBlocks) {
		return nil, false, nil
	}
	d.finished = true
	return d.assemble(), true, nil
}

// Progress reports how many distinct symbols have been received. A block
// counts at most its source symbol count, or exactly that once decoded.
func (d *Decoder) Progress() Progress {
	received := 0
	for _, bd := range d.blocks {
		if bd.done {
			received += bd.layout.Symbols
			continue
		}
		n := len(bd.seen)
		if n > bd.layout.Symbols {
			n = bd.layout.Symbols
		}
		received += n
	}
	return Progress{Received: received, Required: d.required}
}

// Config returns the transfer config the decoder was built for.
func (d *Decoder) Config() TransferConfig {
	return d.cfg
}

func (d *Decoder) block(i uint32) *blockDecoder {
	if bd, ok := d.blocks[i]; ok {
		return bd
	}
	layout := d.cfg.Block(int(i))
	bd := &blockDecoder{layout: layout, seen: make(map[uint32]struct{})}
	if layout.Length > 0 {
		codec := fountain.NewRaptorCodec(layout.Symbols, int(d.cfg.Alignment))
		bd.dec = codec.NewDecoder(int(layout.Length))
	}
	d.blocks[i] = bd
	return bd
}

func (d *Decoder) assemble() []byte {
	out := make([]byte, d.cfg.TransferLength)
	for _, bd := range d.blocks {
		copy(out[bd.layout.Offset:bd.layout.Offset+bd.layout.Length], bd.data)
		bd.data = nil
	}
	return out
}
