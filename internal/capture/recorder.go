package capture

import (
	"bytes"
	"errors"
	"sync"
)

var ErrNotRecording = errors.New("recorder is not running")

// Recorder is one audio capture at a time: Start begins a take, Stop
// ends it and yields the payload. The machine never overlaps takes.
type Recorder interface {
	Start() error
	Stop() ([]byte, error)
}

// MemoryRecorder buffers whatever the audio source writes between
// Start and Stop. The headless client feeds it from its input device
// shim; with no writes the payload is nil and the sink falls back on
// the signed url alone.
type MemoryRecorder struct {
	mu        sync.Mutex
	recording bool
	buf       bytes.Buffer
}

func NewMemoryRecorder() *MemoryRecorder { return &MemoryRecorder{} }

func (r *MemoryRecorder) Start() error {
	r.mu.Lock()
	r.recording = true
	r.buf.Reset()
	r.mu.Unlock()
	return nil
}

// Write appends source audio; writes outside a take are dropped.
func (r *MemoryRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return len(p), nil
	}
	return r.buf.Write(p)
}

func (r *MemoryRecorder) Stop() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recording {
		return nil, ErrNotRecording
	}
	r.recording = false
	if r.buf.Len() == 0 {
		return nil, nil
	}
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out, nil
}
