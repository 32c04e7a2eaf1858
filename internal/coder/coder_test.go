package coder

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
)

func randomBytes(t *testing.T, n int, seed int64) []byte {
	t.Helper()
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func TestTransferConfigSingleBlock(t *testing.T) {
	cfg, err := NewTransferConfig(5000, 1200)
	if err != nil {
		t.Fatalf("NewTransferConfig: %v", err)
	}
	if cfg.SourceBlocks != 1 {
		t.Fatalf("expected 1 block, got %d", cfg.SourceBlocks)
	}
	b := cfg.Block(0)
	if b.Offset != 0 || b.Length != 5000 || b.Symbols != 5 {
		t.Fatalf("unexpected layout %+v", b)
	}
	if got := cfg.RequiredSymbols(); got != 5 {
		t.Fatalf("expected 5 required symbols, got %d", got)
	}
}

func TestTransferConfigBlocksCoverTransfer(t *testing.T) {
	const symbolSize = 16
	length := uint64(1025*symbolSize - 7)
	cfg, err := NewTransferConfig(length, symbolSize)
	if err != nil {
		t.Fatalf("NewTransferConfig: %v", err)
	}
	if cfg.SourceBlocks != 3 {
		t.Fatalf("expected 3 blocks, got %d", cfg.SourceBlocks)
	}
	var next uint64
	symbols := 0
	for i, b := range cfg.Blocks() {
		if b.Index != i {
			t.Fatalf("block %d has index %d", i, b.Index)
		}
		if b.Offset != next {
			t.Fatalf("block %d starts at %d, expected %d", i, b.Offset, next)
		}
		if b.Symbols > MaxBlockSymbols {
			t.Fatalf("block %d has %d symbols", i, b.Symbols)
		}
		next += b.Length
		symbols += b.Symbols
	}
	if next != length {
		t.Fatalf("blocks cover %d bytes, expected %d", next, length)
	}
	if symbols != 1025 {
		t.Fatalf("expected 1025 symbols, got %d", symbols)
	}
	if cfg.Block(0).Symbols != 342 || cfg.Block(2).Symbols != 341 {
		t.Fatalf("expected long blocks first, got %d and %d", cfg.Block(0).Symbols, cfg.Block(2).Symbols)
	}
}

func TestTransferConfigSmallTransferUsesMinimumSymbols(t *testing.T) {
	cfg, err := NewTransferConfig(10, 1200)
	if err != nil {
		t.Fatalf("NewTransferConfig: %v", err)
	}
	if got := cfg.Block(0).Symbols; got != MinSourceSymbols {
		t.Fatalf("expected %d symbols, got %d", MinSourceSymbols, got)
	}
}

func TestTransferConfigValidate(t *testing.T) {
	good, err := NewTransferConfig(5000, 1200)
	if err != nil {
		t.Fatalf("NewTransferConfig: %v", err)
	}
	cases := map[string]TransferConfig{
		"zero symbol size":  {TransferLength: 5000, SymbolSize: 0, SourceBlocks: 1, Alignment: 4},
		"misaligned symbol": {TransferLength: 5000, SymbolSize: 1201, SourceBlocks: 1, Alignment: 4},
		"zero alignment":    {TransferLength: 5000, SymbolSize: 1200, SourceBlocks: 1},
		"block mismatch":    {TransferLength: 5000, SymbolSize: 1200, SourceBlocks: 7, Alignment: 4},
		"too long":          {TransferLength: MaxTransferLength + 1, SymbolSize: 1200, SourceBlocks: 1, Alignment: 4},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	for name, cfg := range cases {
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestCheckFragment(t *testing.T) {
	cfg, _ := NewTransferConfig(5000, 1200)
	if err := cfg.CheckFragment(Fragment{Block: 0, ESI: 3, Data: make([]byte, 1000)}); err != nil {
		t.Fatalf("expected valid fragment, got %v", err)
	}
	bad := []Fragment{
		{Block: 1, ESI: 0, Data: make([]byte, 10)},
		{Block: 0, ESI: esiSpace, Data: make([]byte, 10)},
		{Block: 0, ESI: 0},
		{Block: 0, ESI: 0, Data: make([]byte, 1201)},
	}
	for i, f := range bad {
		if err := cfg.CheckFragment(f); !errors.Is(err, ErrInvalidFragment) {
			t.Fatalf("case %d: expected ErrInvalidFragment, got %v", i, err)
		}
	}
}

func TestSystematicRoundTrip(t *testing.T) {
	data := randomBytes(t, 5000, 1)
	enc, err := NewEncoder(data, 1200)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	frags := enc.SourceAndRepair(0)
	if len(frags) != 5 {
		t.Fatalf("expected 5 systematic fragments, got %d", len(frags))
	}
	dec, err := NewDecoder(enc.Config())
	if err != nil {
		t.Fatalf("NewDecoder: %v", err)
	}
	for i, f := range frags {
		out, done, err := dec.Feed(f)
		if err != nil {
			t.Fatalf("Feed %d: %v", i, err)
		}
		if i < len(frags)-1 {
			if done {
				t.Fatalf("completed early at fragment %d", i)
			}
			continue
		}
		if !done {
			t.Fatalf("expected completion on last fragment")
		}
		if !bytes.Equal(out, data) {
			t.Fatalf("reconstructed bytes differ")
		}
	}
}

func TestInsufficientFragmentsReportProgress(t *testing.T) {
	data := randomBytes(t, 5000, 2)
	enc, _ := NewEncoder(data, 1200)
	dec, _ := NewDecoder(enc.Config())
	for _, f := range enc.SourceAndRepair(0)[:4] {
		if _, done, err := dec.Feed(f); err != nil || done {
			t.Fatalf("unexpected result done=%v err=%v", done, err)
		}
	}
	p := dec.Progress()
	if p.Received != 4 || p.Required != 5 {
		t.Fatalf("expected 4/5, got %s", p)
	}
	if p.Done() {
		t.Fatalf("progress should not be done")
	}
}

func TestRepairOnlyRoundTrip(t *testing.T) {
	data := randomBytes(t, 3000, 3)
	enc, _ := NewEncoder(data, 64)
	dec, _ := NewDecoder(enc.Config())
	block := enc.Blocks()[0]
	k := block.Layout().Symbols
	for i, f := range block.Repair(0, uint32(k+40)) {
		out, done, err := dec.Feed(f)
		if err != nil {
			t.Fatalf("Feed %d: %v", i, err)
		}
		if done {
			if i+1 < k {
				t.Fatalf("completed with %d fragments, need at least %d", i+1, k)
			}
			if !bytes.Equal(out, data) {
				t.Fatalf("reconstructed bytes differ")
			}
			return
		}
	}
	t.Fatalf("repair fragments never completed the transfer")
}

func TestMultiBlockShuffledRoundTrip(t *testing.T) {
	data := randomBytes(t, 600*16+5, 4)
	enc, err := NewEncoder(data, 16)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if len(enc.Blocks()) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(enc.Blocks()))
	}
	frags := enc.SourceAndRepair(2)
	rand.New(rand.NewSource(5)).Shuffle(len(frags), func(i, j int) { frags[i], frags[j] = frags[j], frags[i] })
	dec, _ := NewDecoder(enc.Config())
	var out []byte
	completions := 0
	for _, f := range frags {
		got, done, err := dec.Feed(f)
		if err != nil {
			t.Fatalf("Feed: %v", err)
		}
		if done {
			completions++
			out = got
		}
	}
	if completions != 1 {
		t.Fatalf("expected exactly one completion, got %d", completions)
	}
	if !bytes.Equal(out, data) {
		t.Fatalf("reconstructed bytes differ")
	}
}

func TestRepairIsDeterministic(t *testing.T) {
	data := randomBytes(t, 2000, 6)
	a, _ := NewEncoder(data, 100)
	b, _ := NewEncoder(data, 100)
	wide := a.Blocks()[0].Repair(0, 80)
	narrow := b.Blocks()[0].Repair(70, 5)
	for i, f := range narrow {
		want := wide[70+i]
		if f.ESI != want.ESI || !bytes.Equal(f.Data, want.Data) {
			t.Fatalf("repair %d differs between calls", 70+i)
		}
	}
	seen := map[uint32]bool{}
	for _, f := range wide {
		if f.ESI < uint32(a.Blocks()[0].Layout().Symbols) {
			t.Fatalf("repair fragment has systematic esi %d", f.ESI)
		}
		if seen[f.ESI] {
			t.Fatalf("repair esi %d repeated", f.ESI)
		}
		seen[f.ESI] = true
	}
}

func TestRepairESIWraps(t *testing.T) {
	enc, _ := NewEncoder(make([]byte, 5000), 1200)
	b := enc.Blocks()[0]
	if got := b.RepairESI(0); got != 5 {
		t.Fatalf("expected first repair esi 5, got %d", got)
	}
	if got := b.RepairESI(esiSpace - 5); got != 5 {
		t.Fatalf("expected wrap to esi 5, got %d", got)
	}
}

func TestEmptyTransfer(t *testing.T) {
	enc, err := NewEncoder(nil, 1200)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	dec, _ := NewDecoder(enc.Config())
	frags := enc.Blocks()[0].Repair(9, 1)
	out, done, err := dec.Feed(frags[0])
	if err != nil || !done {
		t.Fatalf("expected completion, done=%v err=%v", done, err)
	}
	if len(out) != 0 {
		t.Fatalf("expected empty output, got %d bytes", len(out))
	}
}

func TestDecoderIgnoresDuplicatesAndLateFragments(t *testing.T) {
	data := randomBytes(t, 5000, 7)
	enc, _ := NewEncoder(data, 1200)
	dec, _ := NewDecoder(enc.Config())
	frags := enc.SourceAndRepair(0)
	for i := 0; i < 3; i++ {
		dec.Feed(frags[0])
	}
	if got := dec.Progress().Received; got != 1 {
		t.Fatalf("duplicates counted: %d", got)
	}
	for _, f := range frags[1:] {
		dec.Feed(f)
	}
	if _, done, _ := dec.Feed(frags[2]); done {
		t.Fatalf("late fragment re-completed the transfer")
	}
}

func TestDecoderRejectsInconsistentSymbolLength(t *testing.T) {
	data := randomBytes(t, 5000, 8)
	enc, _ := NewEncoder(data, 1200)
	dec, _ := NewDecoder(enc.Config())
	frags := enc.SourceAndRepair(0)
	if _, _, err := dec.Feed(frags[0]); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	short := frags[1]
	short.Data = short.Data[:10]
	if _, _, err := dec.Feed(short); !errors.Is(err, ErrInvalidFragment) {
		t.Fatalf("expected ErrInvalidFragment, got %v", err)
	}
	if got := dec.Progress().Received; got != 1 {
		t.Fatalf("rejected fragment changed progress: %d", got)
	}
}
