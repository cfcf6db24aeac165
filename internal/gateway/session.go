package gateway

import (
	"time"

	"github.com/commitledger/agent-gateway/internal/model"
	"github.com/commitledger/agent-gateway/pkg/logger"
)

// session is the per-connection mutable state. Each connection owns its
// session exclusively; no two connections share one.
type session struct {
	identity       model.Identity
	conversationID string
	connectedAt    time.Time
	lastActivity   time.Time
	log            *logger.Logger
}

func newSession(identity model.Identity, log *logger.Logger) *session {
	now := time.Now()
	return &session{
		identity:     identity,
		connectedAt:  now,
		lastActivity: now,
		log:          log,
	}
}

func (s *session) touch() {
	s.lastActivity = time.Now()
}
