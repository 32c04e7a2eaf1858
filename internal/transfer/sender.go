package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"time"
	"unicode/utf8"

	"github.com/sheerbytes/robin/internal/coder"
)

var ErrZeroBatch = errors.New("residual batch size must be at least 1")

// Emitter hands one framed fragment to the transport.
type Emitter func(frame []byte) error

// SenderConfig selects the transmission schedule. It never affects
// decodability, only ordering and how redundancy is spread over time.
type SenderConfig struct {
	// Systematic sends every source symbol once before the fountain.
	Systematic bool
	// InitialRepairs adds repair symbols per block to the systematic pass.
	InitialRepairs uint32
	// ResidualBatchSize is the number of repair symbols per block per pass.
	ResidualBatchSize uint32
	// StartingOffset is the first repair index used by the fountain.
	StartingOffset uint32
	// Shuffle randomizes the systematic order and the block order of
	// every fountain pass.
	Shuffle bool
	// SymbolSize is the maximum fragment payload, 0 for the default.
	SymbolSize uint16
	// Seed seeds the shuffle, 0 seeds from the clock.
	Seed int64
}

// DefaultSenderConfig returns the stock schedule: a shuffled systematic
// pass followed by one repair symbol per block per pass.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Systematic:        true,
		ResidualBatchSize: 1,
		Shuffle:           true,
		SymbolSize:        coder.DefaultSymbolSize,
	}
}

// Validate rejects configs the scheduler cannot run.
func (c SenderConfig) Validate() error {
	if c.ResidualBatchSize == 0 {
		return ErrZeroBatch
	}
	if c.SymbolSize%coder.DefaultAlignment != 0 {
		return fmt.Errorf("%w: %d", coder.ErrSymbolSize, c.SymbolSize)
	}
	return nil
}

func (c SenderConfig) symbolSize() uint16 {
	if c.SymbolSize == 0 {
		return coder.DefaultSymbolSize
	}
	return c.SymbolSize
}

// SendObserver receives sender progress. Calls happen on the sending
// goroutine and must not block.
type SendObserver interface {
	TransferPrepared(meta Meta, systematic int)
	FragmentEmitted(meta Meta, emitted uint64, frameBytes int)
	PassCompleted(meta Meta, pass uint64, nextShard uint32)
}

type nopSendObserver struct{}

func (nopSendObserver) TransferPrepared(Meta, int) {}
func (nopSendObserver) FragmentEmitted(Meta, uint64, int) {}
func (nopSendObserver) PassCompleted(Meta, uint64, uint32) {}

// Sender drives one transfer at a time through the fountain schedule.
type Sender struct {
	cfg       SenderConfig
	rng       *rand.Rand
	encoding  string
	maxPasses uint64
	observer  SendObserver
	logger    *slog.Logger
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithRand sets the shuffle source. It overrides SenderConfig.Seed.
func WithRand(rng *rand.Rand) SenderOption {
	return func(s *Sender) { s.rng = rng }
}

// WithEncoding records the content encoding applied to the data in Meta.
func WithEncoding(encoding string) SenderOption {
	return func(s *Sender) { s.encoding = encoding }
}

// WithMaxPasses stops the fountain after n passes. Zero runs forever.
func WithMaxPasses(n uint64) SenderOption {
	return func(s *Sender) { s.maxPasses = n }
}

// WithSendObserver installs a progress observer.
func WithSendObserver(o SendObserver) SenderOption {
	return func(s *Sender) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithSenderLogger sets the logger.
func WithSenderLogger(logger *slog.Logger) SenderOption {
	return func(s *Sender) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSender returns a sender for cfg.
func NewSender(cfg SenderConfig, opts ...SenderOption) *Sender {
	s := &Sender{
		cfg:      cfg,
		observer: nopSendObserver{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rng == nil {
		seed := cfg.Seed
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
	}
	return s
}

// Send encodes data and emits frames until ctx is cancelled, emit fails,
// or the configured pass limit is reached. With no pass limit it only
// returns on error or cancellation.
func (s *Sender) Send(ctx context.Context, filename string, data []byte, emit Emitter) error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}
	if !utf8.ValidString(filename) {
		return fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}
	enc, err := coder.NewEncoder(data, s.cfg.symbolSize())
	if err != nil {
		return fmt.Errorf("init encoder: %w", err)
	}
	run := &sendRun{
		Sender: s,
		meta:   NewMeta(filename, s.encoding, enc.Config()),
		emit:   emit,
	}
	var systematic []coder.Fragment
	if s.cfg.Systematic {
		systematic = enc.SourceAndRepair(s.cfg.InitialRepairs)
	}
	s.logger.Info("transfer prepared", "meta", run.meta, "symbol_size", s.cfg.symbolSize(), "systematic", len(systematic))
	s.observer.TransferPrepared(run.meta, len(systematic))

	if err := run.systematic(ctx, systematic); err != nil {
		return err
	}
	return run.residual(ctx, enc)
}

type sendRun struct {
	*Sender
	meta    Meta
	emit    Emitter
	emitted uint64
}

func (r *sendRun) systematic(ctx context.Context, frags []coder.Fragment) error {
	if len(frags) == 0 {
		return nil
	}
	order := make([]int, len(frags))
	for i := range order {
		order[i] = i
	}
	if r.cfg.Shuffle {
		r.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	for _, i := range order {
		if err := r.send(ctx, frags[i]); err != nil {
			return err
		}
	}
	r.logger.Debug("systematic phase done", "file", r.meta.Filename, "fragments", len(frags))
	return nil
}

func (r *sendRun) residual(ctx context.Context, enc *coder.Encoder) error {
	blocks := enc.Blocks()
	order := make([]int, len(blocks))
	for i := range order {
		order[i] = i
	}
	batch := r.cfg.ResidualBatchSize
	shard := r.cfg.StartingOffset
	for pass := uint64(1); r.maxPasses == 0 || pass <= r.maxPasses; pass++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.cfg.Shuffle {
			r.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		}
		for _, id := range order {
			for _, frag := range blocks[id].Repair(shard, batch) {
				if err := r.send(ctx, frag); err != nil {
					return err
				}
			}
		}
		shard += batch
		r.observer.PassCompleted(r.meta, pass, shard)
	}
	return nil
}

func (r *sendRun) send(ctx context.Context, frag coder.Fragment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	frame, err := EncodeFrame(r.meta, frag)
	if err != nil {
		return err
	}
	if err := r.emit(frame); err != nil {
		return fmt.Errorf("emit frame: %w", err)
	}
	r.emitted++
	r.observer.FragmentEmitted(r.meta, r.emitted, len(frame))
	return nil
}
