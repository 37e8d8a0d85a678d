package models

// PresenceResponse lists the users currently connected to a conversation's
// signaling room on the relay
type PresenceResponse struct {
	ConversationID string   `json:"conversationId"`
	Peers          []string `json:"peers"`
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse represents the login response
type LoginResponse struct {
	Token  string `json:"token"`
	UserID string `json:"user_id"`
}
