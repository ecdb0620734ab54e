package audio

import (
	"log/slog"
	"sync"
)

// Scheduler drains received audio chunks through an [OutputDevice] in strict
// arrival order. Playback is gapless and non-overlapping: each chunk starts
// as soon as the previous one's completion callback fires. The queue is
// unbounded — no backpressure is applied if the network delivers faster than
// real time — and there is no jitter buffer, so the first chunk plays the
// moment it arrives.
//
// A corrupt chunk (odd byte count or device error) is logged and skipped;
// the next chunk is still attempted. All exported methods are safe for
// concurrent use, and Enqueue may be called from a completion callback.
type Scheduler struct {
	out         OutputDevice
	tap         func(samples []float32) // invoked for each chunk that starts playing
	onDecodeErr func(err error)

	mu      sync.Mutex
	queue   [][]byte
	playing bool
	closed  bool
}

// SchedulerOption configures a [Scheduler] during construction.
type SchedulerOption func(*Scheduler)

// WithPlaybackTap registers a callback that receives the decoded samples of
// every chunk just before it starts playing. Used for spectrum feedback and
// metrics. The callback runs on the scheduling path and must not block.
func WithPlaybackTap(tap func(samples []float32)) SchedulerOption {
	return func(s *Scheduler) {
		s.tap = tap
	}
}

// WithDecodeErrorHook registers a callback invoked whenever a chunk fails to
// decode and is skipped. The scheduler still logs the failure either way.
func WithDecodeErrorHook(hook func(err error)) SchedulerOption {
	return func(s *Scheduler) {
		s.onDecodeErr = hook
	}
}

// NewScheduler creates a Scheduler that plays through out. The output
// device's sample rate was fixed when the device was opened (the session's
// negotiated rate); chunks are not resampled.
func NewScheduler(out OutputDevice, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{out: out}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue appends a chunk to the playback queue and starts draining if the
// scheduler is idle. Zero-length chunks are discarded without touching the
// queue. After [Scheduler.Close], Enqueue is a no-op.
func (s *Scheduler) Enqueue(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, chunk)
	start := !s.playing
	if start {
		s.playing = true
	}
	s.mu.Unlock()

	if start {
		s.playNext()
	}
}

// playNext dequeues and plays the head chunk, registering itself as the
// completion callback. Undecodable chunks and device errors advance to the
// next chunk immediately.
func (s *Scheduler) playNext() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.playing = false
			s.mu.Unlock()
			return
		}
		s.playing = true
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		samples, err := DecodePCM16(chunk)
		if err != nil {
			slog.Warn("playback: skipping undecodable chunk", "bytes", len(chunk), "err", err)
			if s.onDecodeErr != nil {
				s.onDecodeErr(err)
			}
			continue
		}
		if s.tap != nil {
			s.tap(samples)
		}
		if err := s.out.Play(samples, s.playNext); err != nil {
			slog.Warn("playback: output device error, skipping chunk", "err", err)
			continue
		}
		return
	}
}

// Playing reports whether a chunk is currently being output.
func (s *Scheduler) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

// QueueLen returns the number of chunks waiting behind the one currently
// playing.
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Reset discards all queued chunks and clears the playing flag. Any chunk
// already handed to the output device is abandoned, not halted; closing the
// device stops it audibly.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.playing = false
}

// Close resets the queue and permanently stops the scheduler. Subsequent
// Enqueue calls are no-ops. Safe to call more than once.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.playing = false
	s.closed = true
	return nil
}
