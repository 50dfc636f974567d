package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// JitterBufferConfig controls the playout buffer depth.
type JitterBufferConfig struct {
	// WarmupFrames must be buffered before playout starts.
	WarmupFrames int `json:"warmup_frames"`

	// LowWaterFrames re-enters warmup when the depth falls below it,
	// absorbing a burst of late frames instead of stuttering.
	LowWaterFrames int `json:"low_water_frames"`

	// MaxFrames caps the buffer; beyond it the oldest frame is dropped.
	MaxFrames int `json:"max_frames"`
}

// DefaultJitterBufferConfig returns conservative playout settings:
// 60ms warmup, re-warm when the buffer runs dry, cap at 2s.
func DefaultJitterBufferConfig() JitterBufferConfig {
	return JitterBufferConfig{
		WarmupFrames:   3,
		LowWaterFrames: 1,
		MaxFrames:      100,
	}
}

// JitterBuffer smooths bursty frame arrival into steady playout. Frames
// pop in arrival order. Until warmup depth is reached, and again after the
// depth falls below the low watermark, Pop reports an underrun instead of
// returning a frame.
type JitterBuffer struct {
	mu      sync.Mutex
	frames  []Frame
	config  JitterBufferConfig
	warmed  bool
	dropped uint64
}

// NewJitterBuffer creates a playout buffer with the given depth settings.
func NewJitterBuffer(config JitterBufferConfig) *JitterBuffer {
	if config.WarmupFrames < 1 {
		config.WarmupFrames = 1
	}
	if config.MaxFrames < config.WarmupFrames {
		config.MaxFrames = config.WarmupFrames * 10
	}
	return &JitterBuffer{
		frames: make([]Frame, 0, config.WarmupFrames*2),
		config: config,
	}
}

// Push adds a frame. When the buffer is at capacity the oldest frame is
// dropped to bound latency.
func (j *JitterBuffer) Push(f Frame) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.frames) >= j.config.MaxFrames {
		j.frames = j.frames[1:]
		j.dropped++
	}
	j.frames = append(j.frames, f)
	if !j.warmed && len(j.frames) >= j.config.WarmupFrames {
		j.warmed = true
	}
}

// Pop returns the next frame in arrival order. ok is false on underrun:
// either the buffer is still warming up or it ran dry.
func (j *JitterBuffer) Pop() (Frame, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.warmed || len(j.frames) == 0 {
		return Frame{}, false
	}

	f := j.frames[0]
	j.frames = j.frames[1:]
	if len(j.frames) < j.config.LowWaterFrames {
		j.warmed = false
	}
	return f, true
}

// PopRemaining drains the buffer regardless of warmup state. Used when
// flushing the tail of an utterance.
func (j *JitterBuffer) PopRemaining() (Frame, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.frames) == 0 {
		return Frame{}, false
	}
	f := j.frames[0]
	j.frames = j.frames[1:]
	return f, true
}

// Len returns the current buffer depth in frames.
func (j *JitterBuffer) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.frames)
}

// Dropped returns how many frames were discarded at capacity.
func (j *JitterBuffer) Dropped() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.dropped
}

// Clear discards all buffered frames and re-enters warmup. Called on
// barge-in so stale agent audio never reaches the caller.
func (j *JitterBuffer) Clear() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := len(j.frames)
	j.frames = j.frames[:0]
	j.warmed = false
	return n
}

// PacerConfig controls the fixed-cadence frame clock.
type PacerConfig struct {
	// Interval between emitted frames. FrameDuration unless testing.
	Interval time.Duration `json:"interval"`

	// FrameBytes is the size of an emitted frame, used to build comfort
	// frames on underrun.
	FrameBytes int `json:"frame_bytes"`

	// Encoding of emitted frames. Comfort frames are filled with the
	// encoding's silence byte; all-zero G.711 would be near full scale.
	Encoding Encoding `json:"encoding,omitempty"`
}

// Pacer emits exactly one frame per tick toward the transport, regardless
// of how burstily audio arrives from synthesis. On underrun it emits a
// silence frame so the caller hears a steady stream, and counts it.
type Pacer struct {
	config PacerConfig
	buffer *JitterBuffer

	emit       func(Frame) error
	onError    func(error)
	onUnderrun func()

	seq       uint64
	underruns atomic.Uint64
	draining  atomic.Bool
	closed    atomic.Bool
	done      chan struct{}
}

// NewPacer creates a pacer reading from buffer and writing through emit.
func NewPacer(config PacerConfig, buffer *JitterBuffer, emit func(Frame) error) *Pacer {
	if config.Interval <= 0 {
		config.Interval = FrameDuration
	}
	return &Pacer{
		config: config,
		buffer: buffer,
		emit:   emit,
		done:   make(chan struct{}),
	}
}

// SetErrorCallback registers a handler for emit failures.
func (p *Pacer) SetErrorCallback(fn func(error)) {
	p.onError = fn
}

// SetUnderrunCallback registers a handler invoked on each starved tick.
func (p *Pacer) SetUnderrunCallback(fn func()) {
	p.onUnderrun = fn
}

// Run drives the tick loop until the context ends, Stop is called, or a
// drain completes. Blocks; callers run it in a goroutine.
func (p *Pacer) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if p.draining.Load() {
				f, ok := p.buffer.PopRemaining()
				if !ok {
					p.Stop()
					return
				}
				p.send(f)
				continue
			}

			f, ok := p.buffer.Pop()
			if !ok {
				p.underruns.Add(1)
				if p.onUnderrun != nil {
					p.onUnderrun()
				}
				f = p.comfortFrame()
			}
			p.send(f)
		}
	}
}

func (p *Pacer) send(f Frame) {
	f.Seq = p.seq
	p.seq++
	if err := p.emit(f); err != nil && p.onError != nil {
		p.onError(err)
	}
}

// comfortFrame builds a silence frame of nominal size in the wire encoding.
func (p *Pacer) comfortFrame() Frame {
	data := make([]byte, p.config.FrameBytes)
	if fill := SilenceByte(p.config.Encoding); fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return Frame{
		Data:      data,
		Direction: DirectionOutbound,
	}
}

// Drain lets the pacer play out whatever is buffered, then stop. Done is
// closed when the tail has been emitted.
func (p *Pacer) Drain() {
	p.draining.Store(true)
}

// Done is closed once a drain has played out or Stop was called.
func (p *Pacer) Done() <-chan struct{} { return p.done }

// Stop halts the pacer immediately, discarding buffered frames.
func (p *Pacer) Stop() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
	}
}

// Underruns returns the number of ticks that had no frame ready. The
// counter is monotone for the pacer's lifetime.
func (p *Pacer) Underruns() uint64 {
	return p.underruns.Load()
}
