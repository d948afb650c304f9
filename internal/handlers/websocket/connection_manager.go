package websocket

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/emberhq/ember/internal/domains/session"
	"github.com/emberhq/ember/pkg/Logger"
)

type connEntry struct {
	sess        *session.Session
	connectedAt time.Time
}

// ConnectionManager tracks the live sessions for stats and shutdown.
type ConnectionManager struct {
	logger   *Logger.Logger
	mutex    sync.RWMutex
	sessions map[uuid.UUID]connEntry
}

func NewConnectionManager(logger *Logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		logger:   logger,
		sessions: make(map[uuid.UUID]connEntry),
	}
}

func (cm *ConnectionManager) Register(sess *session.Session) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.sessions[sess.SessionID] = connEntry{sess: sess, connectedAt: time.Now()}
	cm.logger.Infof("registered session %s for user %s", sess.SessionID, sess.UserID)
}

func (cm *ConnectionManager) Unregister(sessionID uuid.UUID) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if entry, ok := cm.sessions[sessionID]; ok {
		cm.logger.Infof("unregistered session %s", sessionID)
		entry.sess.Close()
		delete(cm.sessions, sessionID)
	}
}

func (cm *ConnectionManager) Count() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.sessions)
}

// Close tears down every live session, used during server shutdown.
func (cm *ConnectionManager) Close() error {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	for id, entry := range cm.sessions {
		entry.sess.Close()
		delete(cm.sessions, id)
	}
	cm.logger.Infof("connection manager closed")
	return nil
}

// Stats summarizes the live sessions for the stats endpoint.
func (cm *ConnectionManager) Stats() map[string]interface{} {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	sessionStats := make([]map[string]interface{}, 0, len(cm.sessions))
	for _, entry := range cm.sessions {
		sessionStats = append(sessionStats, map[string]interface{}{
			"session_id":   entry.sess.SessionID.String(),
			"user_id":      entry.sess.UserID.String(),
			"guest":        entry.sess.Guest,
			"state":        entry.sess.State(),
			"connected_at": entry.connectedAt,
		})
	}
	return map[string]interface{}{
		"active_sessions": len(cm.sessions),
		"sessions":        sessionStats,
	}
}
