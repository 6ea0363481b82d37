package models

import "time"

// Session is the ephemeral binding of one live connection to the document
// it has joined and the identity it presented. Never persisted; it lives
// exactly as long as the connection.
type Session struct {
	ConnectionID string    `json:"connectionId"`
	DocumentID   string    `json:"documentId"`
	UserName     string    `json:"userName"`
	UserID       string    `json:"userId,omitempty"`
	JoinedAt     time.Time `json:"joinedAt"`
}

func NewSession(connectionID, documentID, userName, userID string) *Session {
	return &Session{
		ConnectionID: connectionID,
		DocumentID:   documentID,
		UserName:     userName,
		UserID:       userID,
		JoinedAt:     time.Now(),
	}
}
