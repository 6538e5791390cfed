// Package latency accumulates round-trip statistics for one adapter.
package latency

import (
	"math"
	"sync"
)

// Snapshot is the read-only view handed to consumers. MinMs starts at
// +Inf as the "no sample yet" sentinel.
type Snapshot struct {
	LastMs               float64 `json:"lastMs"`
	AvgMs                float64 `json:"avgMs"`
	MinMs                float64 `json:"minMs"`
	MaxMs                float64 `json:"maxMs"`
	SampleCount          int     `json:"sampleCount"`
	ReconnectionAttempts int     `json:"reconnectionAttempts"`
	FailedMessages       int     `json:"failedMessages"`
	SuccessfulMessages   int     `json:"successfulMessages"`
}

// Tracker is owned by exactly one adapter instance. All adapters share
// this implementation; none of them expose the live accumulator.
type Tracker struct {
	mu   sync.Mutex
	snap Snapshot
}

func NewTracker() *Tracker {
	return &Tracker{snap: Snapshot{MinMs: math.Inf(1)}}
}

// Sample records one round trip from its (sentAt, receivedAt) pair,
// both in unix millis. The mean is recomputed incrementally.
func (t *Tracker) Sample(sentAt, receivedAt int64) {
	ms := float64(receivedAt - sentAt)
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &t.snap
	s.SampleCount++
	s.LastMs = ms
	s.AvgMs = (s.AvgMs*float64(s.SampleCount-1) + ms) / float64(s.SampleCount)
	if ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
}

func (t *Tracker) Reconnect() {
	t.mu.Lock()
	t.snap.ReconnectionAttempts++
	t.mu.Unlock()
}

func (t *Tracker) Success() {
	t.mu.Lock()
	t.snap.SuccessfulMessages++
	t.mu.Unlock()
}

func (t *Tracker) Failure() {
	t.mu.Lock()
	t.snap.FailedMessages++
	t.mu.Unlock()
}

func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap
}

// Reset restores the zero state, MinMs sentinel included. Connect uses
// it so a reused adapter does not leak a prior run's numbers.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.snap = Snapshot{MinMs: math.Inf(1)}
	t.mu.Unlock()
}
