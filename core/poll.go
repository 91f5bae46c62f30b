package core

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/shellwarden/schema"
)

// TailSource yields the current tail of the output buffer.
type TailSource interface {
	Tail() (string, int64, error)
}

// SnapshotSink receives snapshots that differ from the previous one.
type SnapshotSink interface {
	Publish(snapshot schema.OutputSnapshot)
}

// PollLoop periodically tails the output buffer and publishes a snapshot
// whenever its text changes.
type PollLoop struct {
	source TailSource
	sink   SnapshotSink
	delay  time.Duration
	log    pslog.Logger
	now    func() time.Time

	mu   sync.Mutex
	last string
	has  bool
	seq  uint64
}

// NewPollLoop constructs a poll loop with a fixed delay between reads.
func NewPollLoop(source TailSource, sink SnapshotSink, delay time.Duration, logger pslog.Logger) *PollLoop {
	if delay <= 0 {
		delay = schema.DefaultPollDelay
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &PollLoop{
		source: source,
		sink:   sink,
		delay:  delay,
		log:    logger,
		now:    time.Now,
	}
}

// Run polls until ctx is done. The wait between reads is interrupted by
// cancellation and nothing is published once ctx is done.
func (p *PollLoop) Run(ctx context.Context) error {
	p.log.Debug("output poll start", "delay_ms", p.delay.Milliseconds())
	timer := time.NewTimer(p.delay)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			p.log.Debug("output poll stop")
			return nil
		}
		p.tick(ctx)
		timer.Reset(p.delay)
		select {
		case <-ctx.Done():
			p.log.Debug("output poll stop")
			return nil
		case <-timer.C:
		}
	}
}

// Tick performs one read and publishes when the text changed. It reports the
// snapshot and whether it was published.
func (p *PollLoop) Tick() (schema.OutputSnapshot, bool) {
	return p.tick(context.Background())
}

func (p *PollLoop) tick(ctx context.Context) (schema.OutputSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	text, size, err := p.source.Tail()
	if err != nil {
		p.log.Debug("output tail failed", "err", err)
		return schema.OutputSnapshot{}, false
	}
	if p.has && text == p.last {
		return schema.OutputSnapshot{}, false
	}
	if ctx.Err() != nil {
		return schema.OutputSnapshot{}, false
	}
	p.seq++
	snapshot := schema.OutputSnapshot{
		Seq:   p.seq,
		Text:  text,
		Size:  size,
		Taken: p.now(),
	}
	p.last = text
	p.has = true
	if p.sink != nil {
		p.sink.Publish(snapshot)
	}
	p.log.Trace("output snapshot published", "seq", snapshot.Seq, "bytes", len(text), "size", size)
	return snapshot, true
}
