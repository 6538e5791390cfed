package domain

// ImageUpdate is the payload shown to the client for one position in
// the evaluator's image list. Indices may repeat or arrive out of
// order depending on the transport; consumers must tolerate both.
type ImageUpdate struct {
	ImageIndex int    `json:"imageIndex"`
	ImageURL   string `json:"imageUrl"`
	SignedURL  string `json:"signedUrl,omitempty"`
	SentAt     int64  `json:"sentAt"` // unix millis at the evaluator
}
