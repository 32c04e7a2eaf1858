package transfer

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/sheerbytes/robin/internal/coder"
)

func systematicFrames(t *testing.T, name string, data []byte) [][]byte {
	t.Helper()
	cfg := SenderConfig{Systematic: true, ResidualBatchSize: 1, SymbolSize: 1200}
	return collectFrames(t, cfg, name, data, 1)
}

func TestReceiverCompletesOnLastSourceFrame(t *testing.T) {
	data := testData(5000, 10)
	frames := systematicFrames(t, "five.bin", data)[:5]

	r := NewReceiver()
	var got []byte
	var gotMeta Meta
	for i, frame := range frames {
		outcome, err := r.Recv(frame, func(meta Meta, out []byte) {
			gotMeta = meta
			got = out
		})
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		want := InProgress
		if i == len(frames)-1 {
			want = Completed
		}
		if outcome != want {
			t.Fatalf("frame %d: expected %s, got %s", i, want, outcome)
		}
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reconstructed data mismatch")
	}
	if gotMeta.Filename != "five.bin" || gotMeta.Config.TransferLength != 5000 {
		t.Fatalf("unexpected meta %+v", gotMeta)
	}
}

func TestReceiverReportsPartialProgress(t *testing.T) {
	frames := systematicFrames(t, "five.bin", testData(5000, 11))[:4]
	r := NewReceiver()
	called := false
	for _, frame := range frames {
		if _, err := r.Recv(frame, func(Meta, []byte) { called = true }); err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}
	if called {
		t.Fatalf("completion with only 4 of 5 symbols")
	}
	meta, _, _ := DecodeFrame(frames[0])
	p, ok := r.Progress(meta)
	if !ok {
		t.Fatalf("expected progress for known transfer")
	}
	if p.Received != 4 || p.Required != 5 || p.String() != "4/5" {
		t.Fatalf("unexpected progress %v", p)
	}
}

func TestReceiverCompletionIsIdempotent(t *testing.T) {
	frames := collectFrames(t, DefaultSenderConfig(), "dup.bin", testData(9000, 12), 4)
	r := NewReceiver()
	completions := 0
	onComplete := func(Meta, []byte) { completions++ }
	for _, frame := range frames {
		if _, err := r.Recv(frame, onComplete); err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}
	for _, frame := range frames {
		outcome, err := r.Recv(frame, onComplete)
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if outcome != InProgress {
			t.Fatalf("replayed frame returned %s", outcome)
		}
	}
	if completions != 1 {
		t.Fatalf("expected one completion, got %d", completions)
	}
	meta, _, _ := DecodeFrame(frames[0])
	if !r.Finalized(meta) {
		t.Fatalf("expected finalized transfer")
	}
	if p, _ := r.Progress(meta); !p.Done() {
		t.Fatalf("expected finished progress, got %v", p)
	}
}

func TestReceiverMultiplexesTransfers(t *testing.T) {
	a := testData(6000, 13)
	b := testData(3000, 14)
	fa := systematicFrames(t, "a.bin", a)
	fb := systematicFrames(t, "b.bin", b)

	var mixed [][]byte
	for i := 0; i < len(fa) || i < len(fb); i++ {
		if i < len(fa) {
			mixed = append(mixed, fa[i])
		}
		if i < len(fb) {
			mixed = append(mixed, fb[i])
		}
	}

	r := NewReceiver()
	got := map[string][]byte{}
	for _, frame := range mixed {
		if _, err := r.Recv(frame, func(meta Meta, out []byte) {
			if _, seen := got[meta.Filename]; seen {
				t.Fatalf("%s completed twice", meta.Filename)
			}
			got[meta.Filename] = out
		}); err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}
	if !bytes.Equal(got["a.bin"], a) || !bytes.Equal(got["b.bin"], b) {
		t.Fatalf("multiplexed transfers were not reconstructed")
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 tracked transfers, got %d", r.Len())
	}
}

func TestReceiverSeparatesSameNameDifferentConfig(t *testing.T) {
	a := systematicFrames(t, "same.bin", testData(5000, 15))
	b := systematicFrames(t, "same.bin", testData(7000, 16))
	r := NewReceiver()
	if _, err := r.Recv(a[0], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if _, err := r.Recv(b[0], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if r.Len() != 2 {
		t.Fatalf("expected distinct transfers, got %d", r.Len())
	}
}

func TestReceiverRejectsCorruptFramesWithoutState(t *testing.T) {
	frames := systematicFrames(t, "c.bin", testData(300, 17))
	r := NewReceiver()
	frame := frames[0]
	corrupt := make([]byte, len(frame))
	for bit := 0; bit < len(frame)*8; bit++ {
		copy(corrupt, frame)
		corrupt[bit/8] ^= 1 << (bit % 8)
		outcome, err := r.Recv(corrupt, func(Meta, []byte) {
			t.Fatalf("completion from corrupt frame")
		})
		if outcome != Rejected || err == nil {
			t.Fatalf("bit %d: expected rejection, got %s", bit, outcome)
		}
	}
	if r.Len() != 0 {
		t.Fatalf("corrupt frames created %d slots", r.Len())
	}
}

func TestReceiverRejectsInvalidConfig(t *testing.T) {
	meta := Meta{Filename: "bad.bin", Config: coder.TransferConfig{
		TransferLength: 5000,
		SymbolSize:     1200,
		SourceBlocks:   3,
		Alignment:      coder.DefaultAlignment,
	}}
	frame, err := EncodeFrame(meta, coder.Fragment{Data: make([]byte, 1000)})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	r := NewReceiver()
	outcome, err := r.Recv(frame, nil)
	if outcome != Rejected || !errors.Is(err, ErrMalformedFrame) || !errors.Is(err, coder.ErrInvalidConfig) {
		t.Fatalf("expected invalid config rejection, got %s %v", outcome, err)
	}
	if r.Len() != 0 {
		t.Fatalf("rejected frame created a slot")
	}
}

func TestReceiverRejectsOutOfRangeFragment(t *testing.T) {
	meta := testMeta(t, "range.bin", 5000)
	frame, err := EncodeFrame(meta, coder.Fragment{Block: 4, Data: make([]byte, 1000)})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	r := NewReceiver()
	if outcome, err := r.Recv(frame, nil); outcome != Rejected || !errors.Is(err, coder.ErrInvalidFragment) {
		t.Fatalf("expected fragment rejection, got %s %v", outcome, err)
	}
	if r.Len() != 0 {
		t.Fatalf("rejected frame created a slot")
	}
}

func TestReceiverMaxTransferLength(t *testing.T) {
	frames := systematicFrames(t, "big.bin", testData(5000, 18))
	r := NewReceiver(WithMaxTransferLength(4096))
	if outcome, err := r.Recv(frames[0], nil); outcome != Rejected || !errors.Is(err, ErrTransferTooLarge) {
		t.Fatalf("expected size rejection, got %s %v", outcome, err)
	}
}

type evictionLog struct {
	started []string
	evicted []string
}

func (l *evictionLog) TransferStarted(meta Meta) { l.started = append(l.started, meta.Filename) }
func (l *evictionLog) FragmentAccepted(Meta, coder.Progress) {}
func (l *evictionLog) TransferCompleted(Meta, int) {}
func (l *evictionLog) TransferEvicted(meta Meta, finalized bool) { l.evicted = append(l.evicted, meta.Filename) }

func TestReceiverMaxSlotsEvictsLeastRecent(t *testing.T) {
	fa := systematicFrames(t, "a.bin", testData(5000, 19))
	fb := systematicFrames(t, "b.bin", testData(5000, 20))
	fc := systematicFrames(t, "c.bin", testData(5000, 21))
	log := &evictionLog{}
	r := NewReceiver(WithMaxSlots(2), WithReceiveObserver(log))

	for _, frame := range [][]byte{fa[0], fb[0], fa[1], fc[0]} {
		if _, err := r.Recv(frame, nil); err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 slots, got %d", r.Len())
	}
	if len(log.evicted) != 1 || log.evicted[0] != "b.bin" {
		t.Fatalf("expected b.bin evicted, got %v", log.evicted)
	}
	metaA, _, _ := DecodeFrame(fa[0])
	if p, ok := r.Progress(metaA); !ok || p.Received != 2 {
		t.Fatalf("expected a.bin kept with 2 symbols, got %v %v", p, ok)
	}
}

func TestReceiverSlotTTL(t *testing.T) {
	fa := systematicFrames(t, "a.bin", testData(5000, 22))
	fb := systematicFrames(t, "b.bin", testData(5000, 23))
	now := time.Unix(1700000000, 0)
	log := &evictionLog{}
	r := NewReceiver(
		WithSlotTTL(time.Minute),
		WithNow(func() time.Time { return now }),
		WithReceiveObserver(log),
	)

	if _, err := r.Recv(fa[0], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	now = now.Add(30 * time.Second)
	if _, err := r.Recv(fb[0], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	now = now.Add(45 * time.Second)
	if _, err := r.Recv(fb[1], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if r.Len() != 1 || len(log.evicted) != 1 || log.evicted[0] != "a.bin" {
		t.Fatalf("expected a.bin expired, got len=%d evicted=%v", r.Len(), log.evicted)
	}

	// A stale transfer starts over when it shows up again.
	now = now.Add(2 * time.Minute)
	if _, err := r.Recv(fa[1], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	metaA, _, _ := DecodeFrame(fa[1])
	if p, ok := r.Progress(metaA); !ok || p.Received != 1 {
		t.Fatalf("expected fresh a.bin slot, got %v %v", p, ok)
	}
	if len(log.started) != 3 {
		t.Fatalf("expected 3 starts, got %v", log.started)
	}
}

func TestReceiverRejectedFragmentKeepsRecency(t *testing.T) {
	fa := systematicFrames(t, "a.bin", testData(5000, 24))
	fb := systematicFrames(t, "b.bin", testData(5000, 25))
	fc := systematicFrames(t, "c.bin", testData(5000, 26))
	log := &evictionLog{}
	r := NewReceiver(WithMaxSlots(2), WithReceiveObserver(log))

	for _, frame := range [][]byte{fa[0], fb[0]} {
		if _, err := r.Recv(frame, nil); err != nil {
			t.Fatalf("Recv: %v", err)
		}
	}

	// Digest-valid, but shorter than the symbols a.bin already holds.
	metaA, first, _ := DecodeFrame(fa[0])
	short, err := EncodeFrame(metaA, coder.Fragment{Block: 0, ESI: 3, Data: make([]byte, len(first.Data)/2)})
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	if outcome, err := r.Recv(short, nil); outcome != Rejected || !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected rejection, got %s %v", outcome, err)
	}

	if _, err := r.Recv(fc[0], nil); err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if len(log.evicted) != 1 || log.evicted[0] != "a.bin" {
		t.Fatalf("expected a.bin evicted, got %v", log.evicted)
	}
	if p, ok := r.Progress(metaA); ok {
		t.Fatalf("a.bin still tracked with %v", p)
	}
}

func TestReceiverToleratesLoss(t *testing.T) {
	data := testData(600*16+5, 27)
	cfg := SenderConfig{Systematic: true, ResidualBatchSize: 40, SymbolSize: 16, Seed: 3}
	frames := collectFrames(t, cfg, "lossy.bin", data, 2)

	meta, _, err := DecodeFrame(frames[0])
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if meta.Config.SourceBlocks < 2 {
		t.Fatalf("expected a multi-block transfer, got %d blocks", meta.Config.SourceBlocks)
	}
	required := meta.Config.RequiredSymbols()

	var systematic, repair [][]byte
	for _, frame := range frames {
		_, frag, err := DecodeFrame(frame)
		if err != nil {
			t.Fatalf("DecodeFrame: %v", err)
		}
		if int(frag.ESI) < meta.Config.Block(int(frag.Block)).Symbols {
			systematic = append(systematic, frame)
		} else {
			repair = append(repair, frame)
		}
	}
	if len(systematic) != required {
		t.Fatalf("expected %d systematic frames, got %d", required, len(systematic))
	}

	// Lose 48 source frames, fewer than the 80 repairs each block gets.
	rng := rand.New(rand.NewSource(28))
	rng.Shuffle(len(systematic), func(i, j int) { systematic[i], systematic[j] = systematic[j], systematic[i] })
	survivors := append(systematic[48:], repair...)
	rng.Shuffle(len(survivors), func(i, j int) { survivors[i], survivors[j] = survivors[j], survivors[i] })

	r := NewReceiver()
	var got []byte
	completions := 0
	for i, frame := range survivors {
		outcome, err := r.Recv(frame, func(_ Meta, out []byte) { got = out })
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if outcome == Completed {
			completions++
		}
	}
	if completions != 1 {
		t.Fatalf("expected one completion, got %d", completions)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("reconstructed data mismatch")
	}

	short := NewReceiver()
	for i, frame := range survivors[:required-1] {
		outcome, err := short.Recv(frame, func(Meta, []byte) {
			t.Fatalf("completed with %d of %d symbols", i+1, required)
		})
		if err != nil || outcome != InProgress {
			t.Fatalf("frame %d: %s %v", i, outcome, err)
		}
	}
	if p, _ := short.Progress(meta); p.Done() || p.Received >= required {
		t.Fatalf("unexpected progress %v", p)
	}
}
