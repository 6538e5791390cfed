package broker

import (
	"fmt"

	"github.com/mwickert/elicit/internal/domain"
)

// One topic exchange carries everything; routing keys scope messages
// to one client's session triplet plus one ack key per evaluator.
const Exchange = "elicit.session"

func startTopic(clientID domain.UserID) string {
	return fmt.Sprintf("elicit.clients.%s.start", clientID)
}

func imageTopic(clientID domain.UserID) string {
	return fmt.Sprintf("elicit.clients.%s.image", clientID)
}

func endTopic(clientID domain.UserID) string {
	return fmt.Sprintf("elicit.clients.%s.end", clientID)
}

func ackTopic(evaluatorID domain.UserID) string {
	return fmt.Sprintf("elicit.acks.%s", evaluatorID)
}
