package transfer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sheerbytes/robin/internal/coder"
)

var ErrTransferTooLarge = errors.New("transfer exceeds receiver limit")

// Outcome is the result of handing one frame to a Receiver.
type Outcome int

const (
	// Rejected means the frame failed validation and changed nothing.
	Rejected Outcome = iota
	// InProgress means the frame was accepted, or ignored because its
	// transfer already completed.
	InProgress
	// Completed means this frame finished its transfer.
	Completed
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// ReceiveObserver receives receiver events. Calls happen inside Recv.
type ReceiveObserver interface {
	TransferStarted(meta Meta)
	FragmentAccepted(meta Meta, progress coder.Progress)
	TransferCompleted(meta Meta, size int)
	TransferEvicted(meta Meta, finalized bool)
}

type nopReceiveObserver struct{}

func (nopReceiveObserver) TransferStarted(Meta) {}
func (nopReceiveObserver) FragmentAccepted(Meta, coder.Progress) {}
func (nopReceiveObserver) TransferCompleted(Meta, int) {}
func (nopReceiveObserver) TransferEvicted(Meta, bool) {}

// CompletionFunc receives a reconstructed transfer.
type CompletionFunc func(meta Meta, data []byte)

// Receiver multiplexes frames from any number of concurrent transfers onto
// per-transfer decoders. It is not safe for concurrent use.
type Receiver struct {
	slots     *slotTable
	maxLength uint64
	maxSlots  int
	slotTTL   time.Duration
	now       func() time.Time
	observer  ReceiveObserver
	logger    *slog.Logger
}

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithMaxSlots bounds the number of tracked transfers. When full, the least
// recently touched transfer is forgotten. Zero means unbounded.
func WithMaxSlots(n int) ReceiverOption {
	return func(r *Receiver) { r.maxSlots = n }
}

// WithSlotTTL forgets transfers that saw no frame for d. Zero disables it.
func WithSlotTTL(d time.Duration) ReceiverOption {
	return func(r *Receiver) { r.slotTTL = d }
}

// WithMaxTransferLength rejects transfers longer than n bytes. Zero keeps
// coder.MaxTransferLength.
func WithMaxTransferLength(n uint64) ReceiverOption {
	return func(r *Receiver) {
		if n > 0 {
			r.maxLength = n
		}
	}
}

// WithNow sets the time source used for slot expiry.
func WithNow(now func() time.Time) ReceiverOption {
	return func(r *Receiver) { r.now = now }
}

// WithReceiveObserver installs an event observer.
func WithReceiveObserver(o ReceiveObserver) ReceiverOption {
	return func(r *Receiver) {
		if o != nil {
			r.observer = o
		}
	}
}

// WithReceiverLogger sets the logger.
func WithReceiverLogger(logger *slog.Logger) ReceiverOption {
	return func(r *Receiver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewReceiver returns an empty receiver.
func NewReceiver(opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		maxLength: coder.MaxTransferLength,
		now:       time.Now,
		observer:  nopReceiveObserver{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.slots = newSlotTable(r.maxSlots, r.slotTTL, r.now, r.evicted)
	return r
}

// Recv handles one received frame. onComplete runs exactly once per
// transfer, on the call that returns Completed. A Rejected outcome comes
// with an error naming the reason; nothing in the receiver changes.
func (r *Receiver) Recv(frame []byte, onComplete CompletionFunc) (Outcome, error) {
	meta, frag, err := DecodeFrame(frame)
	if err != nil {
		r.logger.Debug("dropping frame", "error", err, "bytes", len(frame))
		return Rejected, err
	}
	// Admission runs before housekeeping so a rejected frame leaves the
	// table exactly as it was.
	if s, ok := r.slots.peek(meta); !ok || r.slots.stale(s) {
		if err := r.admit(meta, frag); err != nil {
			r.logger.Debug("dropping frame", "error", err, "file", meta.Filename)
			return Rejected, err
		}
	}
	r.slots.expire()

	s, ok := r.slots.peek(meta)
	if !ok {
		dec, err := coder.NewDecoder(meta.Config)
		if err != nil {
			return Rejected, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		}
		s = r.slots.insert(meta, dec)
		r.logger.Info("transfer started", "meta", meta)
		r.observer.TransferStarted(meta)
	}
	if s.state == slotFinalized {
		r.slots.touch(s)
		return InProgress, nil
	}

	// Only fragments the decoder accepts count as activity.
	data, done, err := s.decoder.Feed(frag)
	if err != nil {
		r.logger.Debug("dropping fragment", "error", err, "file", meta.Filename)
		return Rejected, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	r.slots.touch(s)
	if !done {
		r.observer.FragmentAccepted(meta, s.decoder.Progress())
		return InProgress, nil
	}
	if onComplete != nil {
		onComplete(meta, data)
	}
	s.finalize()
	r.logger.Info("transfer complete", "meta", meta)
	r.observer.TransferCompleted(meta, len(data))
	return Completed, nil
}

// Progress reports the progress of a known transfer.
func (r *Receiver) Progress(meta Meta) (coder.Progress, bool) {
	s, ok := r.slots.peek(meta)
	if !ok {
		return coder.Progress{}, false
	}
	return s.progress(), true
}

// Finalized reports whether meta has completed and is kept as a tombstone.
func (r *Receiver) Finalized(meta Meta) bool {
	s, ok := r.slots.peek(meta)
	return ok && s.state == slotFinalized
}

// Len returns the number of tracked transfers, finalized ones included.
func (r *Receiver) Len() int {
	return r.slots.len()
}

// admit validates a never-seen transfer before any state is created for it.
func (r *Receiver) admit(meta Meta, frag coder.Fragment) error {
	if meta.Config.TransferLength > r.maxLength {
		return fmt.Errorf("%w: %d bytes", ErrTransferTooLarge, meta.Config.TransferLength)
	}
	if err := meta.Config.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	if err := meta.Config.CheckFragment(frag); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return nil
}

func (r *Receiver) evicted(s *slot) {
	finalized := s.state == slotFinalized
	if !finalized {
		r.logger.Warn("evicting unfinished transfer", "meta", s.meta, "progress", s.progress().String())
	}
	r.observer.TransferEvicted(s.meta, finalized)
}
