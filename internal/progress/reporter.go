package progress

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sheerbytes/robin/internal/coder"
	"github.com/sheerbytes/robin/internal/transfer"
)

// DefaultInterval is how often a reporter redraws its status line.
const DefaultInterval = 250 * time.Millisecond

// line redraws a single status line. On a terminal it rewrites the line in
// place; otherwise it prints one line per redraw.
type line struct {
	w        io.Writer
	tty      bool
	interval time.Duration
	now      func() time.Time
	last     time.Time
	width    int
}

func (l *line) due() bool {
	now := l.now()
	if !l.last.IsZero() && now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}

func (l *line) draw(s string) {
	if !l.tty {
		fmt.Fprintln(l.w, s)
		return
	}
	pad := l.width - len(s)
	if pad < 0 {
		pad = 0
	}
	l.width = len(s)
	fmt.Fprintf(l.w, "\r%s%*s", s, pad, "")
}

// event prints a permanent line, clearing any status line first.
func (l *line) event(s string) {
	if l.tty && l.width > 0 {
		fmt.Fprintf(l.w, "\r%*s\r", l.width, "")
		l.width = 0
	}
	fmt.Fprintln(l.w, s)
}

// Option configures a reporter.
type Option func(*line)

// WithInterval sets the redraw interval.
func WithInterval(d time.Duration) Option {
	return func(l *line) { l.interval = d }
}

// WithClock sets the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(l *line) { l.now = now }
}

func newLine(w io.Writer, tty bool, opts []Option) *line {
	l := &line{w: w, tty: tty, interval: DefaultInterval, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SendReporter renders sender progress. It implements transfer.SendObserver.
type SendReporter struct {
	line   *line
	meta   transfer.Meta
	meter  *Meter
	frames *Meter
	pass   uint64
}

// NewSendReporter writes sender status to w.
func NewSendReporter(w io.Writer, tty bool, opts ...Option) *SendReporter {
	l := newLine(w, tty, opts)
	return &SendReporter{line: l, meter: NewMeterWithNow(l.now), frames: NewMeterWithNow(l.now)}
}

func (r *SendReporter) TransferPrepared(meta transfer.Meta, systematic int) {
	r.meta = meta
	r.meter.Start(0)
	r.frames.Start(int64(systematic))
	r.line.event(fmt.Sprintf("sending %s: %d blocks, %d source symbols", meta, meta.Config.SourceBlocks, meta.Config.RequiredSymbols()))
}

func (r *SendReporter) FragmentEmitted(meta transfer.Meta, emitted uint64, frameBytes int) {
	r.meter.Add(int64(frameBytes))
	r.frames.Set(int64(emitted))
	if !r.line.due() {
		return
	}
	s := r.meter.Snapshot()
	phase := "systematic"
	if r.pass > 0 {
		phase = fmt.Sprintf("pass %d", r.pass+1)
	}
	r.line.draw(fmt.Sprintf("%s  %s  frames %d  %s  elapsed %s",
		meta.Filename, phase, emitted, humanRate(s.Rate), clock(s.Elapsed)))
}

func (r *SendReporter) PassCompleted(meta transfer.Meta, pass uint64, nextShard uint32) {
	r.pass = pass
}

// Finish prints a summary line for the last prepared transfer.
func (r *SendReporter) Finish() {
	s := r.meter.Snapshot()
	f := r.frames.Snapshot()
	r.line.event(fmt.Sprintf("sent %s: %d frames, %s in %s", r.meta.Filename, f.Done, humanBytes(float64(s.Done)), clock(s.Elapsed)))
}

// RecvReporter renders receiver progress for every live transfer. It
// implements transfer.ReceiveObserver.
type RecvReporter struct {
	mu     sync.Mutex
	line   *line
	meters map[transfer.Meta]*Meter
}

// NewRecvReporter writes receiver status to w.
func NewRecvReporter(w io.Writer, tty bool, opts ...Option) *RecvReporter {
	return &RecvReporter{line: newLine(w, tty, opts), meters: make(map[transfer.Meta]*Meter)}
}

func (r *RecvReporter) TransferStarted(meta transfer.Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := NewMeterWithNow(r.line.now)
	m.Start(int64(meta.Config.RequiredSymbols()))
	r.meters[meta] = m
	r.line.event(fmt.Sprintf("receiving %s", meta))
}

func (r *RecvReporter) FragmentAccepted(meta transfer.Meta, p coder.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.meters[meta]
	if !ok {
		return
	}
	m.Set(int64(p.Received))
	if !r.line.due() {
		return
	}
	s := m.Snapshot()
	bps := s.Rate * float64(meta.Config.SymbolSize)
	r.line.draw(fmt.Sprintf("%s %s %5.1f%%  %s symbols  %s  ETA %s",
		meta.Filename, bar(p.Percent(), 24), p.Percent(), p, humanRate(bps), clock(s.ETA)))
}

func (r *RecvReporter) TransferCompleted(meta transfer.Meta, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := time.Duration(0)
	if m, ok := r.meters[meta]; ok {
		elapsed = m.Snapshot().Elapsed
		delete(r.meters, meta)
	}
	r.line.event(fmt.Sprintf("received %s in %s", meta, clock(elapsed)))
}

func (r *RecvReporter) TransferEvicted(meta transfer.Meta, finalized bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.meters, meta)
	if !finalized {
		r.line.event(fmt.Sprintf("gave up on %s", meta))
	}
}

// Active returns the number of transfers being displayed.
func (r *RecvReporter) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.meters)
}
