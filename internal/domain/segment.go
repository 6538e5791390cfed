package domain

import (
	"errors"
	"fmt"
)

var ErrEmptySegment = errors.New("segment needs a signed url or an audio payload")

// SegmentRecord pairs the audio captured while one image was displayed
// with that image's signed reference. Identifiers are optional on the
// wire; the sink derives its key from whatever is present.
type SegmentRecord struct {
	SessionID    SessionID `json:"sessionId,omitempty"`
	EvaluatorID  UserID    `json:"evaluatorId,omitempty"`
	ClientID     UserID    `json:"clientId,omitempty"`
	ImageIndex   int       `json:"imageIndex"`
	SignedURL    string    `json:"signedUrl,omitempty"`
	AudioPayload []byte    `json:"audioPayload,omitempty"`
}

func (r *SegmentRecord) Validate() error {
	if r.SignedURL == "" && len(r.AudioPayload) == 0 {
		return ErrEmptySegment
	}
	return nil
}

// SegmentKey is deterministic so a resubmission for the same image
// overwrites the earlier record instead of duplicating it.
func (r *SegmentRecord) SegmentKey() string {
	return fmt.Sprintf("%s_%s_%d", r.EvaluatorID, r.ClientID, r.ImageIndex)
}
