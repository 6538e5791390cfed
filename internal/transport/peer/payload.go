package peer

// Control message types on the data channel. Image payloads are plain
// objects with no type tag.
const (
	ctrlReady = "ready"
	ctrlAck   = "ack"
)

// channelMessage covers everything carried in-band on the channel:
// images (Type empty), the client's ready notice, and latency acks.
type channelMessage struct {
	Type       string `json:"type,omitempty"`
	ImageIndex int    `json:"imageIndex,omitempty"`
	ImageURL   string `json:"imageUrl,omitempty"`
	SignedURL  string `json:"signedUrl,omitempty"`
	SentAt     int64  `json:"sentAt,omitempty"`
	ReceivedAt int64  `json:"receivedAt,omitempty"`
}
