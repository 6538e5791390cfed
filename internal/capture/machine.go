// Package capture turns the image-update stream into audio segments.
package capture

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mwickert/elicit/internal/domain"
)

// Submitter delivers one finished segment. The HTTP sink client is the
// production implementation.
type Submitter interface {
	Submit(ctx context.Context, rec domain.SegmentRecord) error
}

type prevImage struct {
	imageIndex int
	signedURL  string
}

// Machine decides, purely from "new image" and "session ended" events,
// when to start a capture and when to flush the one pending segment.
// No timers, no queue: a flush happens on the event that makes the
// previous image stale, never later.
type Machine struct {
	mu      sync.Mutex
	rec     Recorder
	sink    Submitter
	session domain.Session
	bound   bool

	previous      *prevImage
	captureActive bool
	flushed       map[int]struct{}
}

func NewMachine(rec Recorder, sink Submitter) *Machine {
	return &Machine{
		rec:     rec,
		sink:    sink,
		flushed: make(map[int]struct{}),
	}
}

// BindSession attaches the identifiers stamped onto every record and
// resets any state left over from an earlier session.
func (m *Machine) BindSession(s domain.Session) {
	m.mu.Lock()
	m.session = s
	m.bound = true
	m.previous = nil
	m.captureActive = false
	m.flushed = make(map[int]struct{})
	m.mu.Unlock()
	log.Info().Str("module", "capture").Str("session", string(s.ID)).Msg("session bound")
}

// HandleImageUpdate applies the flush and start rules for one delivery.
// A repeat of the current index is a no-op by design: duplicate and
// reordered deliveries are legal transport behavior.
func (m *Machine) HandleImageUpdate(u domain.ImageUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.previous
	if prev != nil && prev.imageIndex == u.ImageIndex {
		return
	}

	if prev != nil && m.captureActive {
		m.flushLocked(prev)
	}

	if err := m.rec.Start(); err != nil {
		log.Error().Err(err).Str("module", "capture").Int("image", u.ImageIndex).Msg("recorder start")
	} else {
		m.captureActive = true
	}
	m.previous = &prevImage{imageIndex: u.ImageIndex, signedURL: u.SignedURL}
}

// HandleSessionEnd flushes the last pending capture, if it was not
// already flushed, and discards all per-session state.
func (m *Machine) HandleSessionEnd() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.previous != nil && m.captureActive {
		if _, done := m.flushed[m.previous.imageIndex]; !done {
			m.flushLocked(m.previous)
		}
	}
	m.previous = nil
	m.captureActive = false
	m.flushed = make(map[int]struct{})
	m.bound = false
}

func (m *Machine) flushLocked(img *prevImage) {
	payload, err := m.rec.Stop()
	m.captureActive = false
	if err != nil {
		log.Error().Err(err).Str("module", "capture").Int("image", img.imageIndex).Msg("recorder stop")
	}

	rec := domain.SegmentRecord{
		ImageIndex:   img.imageIndex,
		SignedURL:    img.signedURL,
		AudioPayload: payload,
	}
	if m.bound {
		rec.SessionID = m.session.ID
		rec.EvaluatorID = m.session.EvaluatorID
		rec.ClientID = m.session.ClientID
	}

	if err := m.sink.Submit(context.Background(), rec); err != nil {
		log.Error().Err(err).Str("module", "capture").Int("image", img.imageIndex).Msg("segment submit")
	}
	m.flushed[img.imageIndex] = struct{}{}
}
