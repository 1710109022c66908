package model

import "encoding/json"

// Wire message types. Names are stable: browser clients on other platform
// builds speak the same vocabulary.
const (
	TypeReconnectRequest   = "RECONNECT_REQUEST"
	TypeReconnectAccepted  = "RECONNECT_ACCEPTED"
	TypeReconnectRejected  = "RECONNECT_REJECTED"
	TypeGameSnapshot       = "GAME_SNAPSHOT"
	TypePlayerReconnected  = "PLAYER_RECONNECTED"
	TypePlayerDisconnected = "PLAYER_DISCONNECTED"
	TypePlayerJoined       = "PLAYER_JOINED"
	TypePlayerLeft         = "PLAYER_LEFT"
	TypeRoomDestroyed      = "ROOM_DESTROYED"
	TypeGameStarted        = "GAME_STARTED"
	TypeGameAction         = "GAME_ACTION"
	TypeGameStateUpdate    = "GAME_STATE_UPDATE"
	TypeChatMessage        = "CHAT_MESSAGE"
	TypeChatBroadcast      = "CHAT_MESSAGE_BROADCAST"
)

// Reason codes carried by rejection and leave messages.
const (
	ReasonNotInRoom = "NOT_IN_ROOM"

	LeaveReasonDisconnected = "disconnected"
	LeaveReasonTimeout      = "timeout"
)

// Envelope wraps every unit sent on the room channel.
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	SenderID  string          `json:"senderId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// target is the shape shared by all targeted messages.
type target struct {
	TargetParticipantID string `json:"targetParticipantId"`
}

// Target extracts the recipient of a targeted message. Empty for
// broadcast-wide messages.
func (e Envelope) Target() string {
	if len(e.Data) == 0 {
		return ""
	}
	var t target
	if err := json.Unmarshal(e.Data, &t); err != nil {
		return ""
	}
	return t.TargetParticipantID
}

// IsTargeted reports whether this message type is addressed to a single
// recipient and must be filtered by targetParticipantId.
func IsTargeted(msgType string) bool {
	switch msgType {
	case TypeReconnectAccepted, TypeReconnectRejected, TypeGameSnapshot:
		return true
	}
	return false
}

type ReconnectRequest struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
}

type ReconnectAccepted struct {
	TargetParticipantID string `json:"targetParticipantId"`
}

type ReconnectRejected struct {
	TargetParticipantID string `json:"targetParticipantId"`
	ReasonCode          string `json:"reasonCode"`
}

type PlayerReconnected struct {
	ParticipantID string     `json:"participantId"`
	Nickname      string     `json:"nickname"`
	Members       Membership `json:"members"`
}

type PlayerDisconnected struct {
	ParticipantID     string `json:"participantId"`
	Nickname          string `json:"nickname"`
	ReconnectWindowMs int64  `json:"reconnectWindowMs"`
}

type PlayerJoined struct {
	ParticipantID string     `json:"participantId"`
	Nickname      string     `json:"nickname"`
	Members       Membership `json:"members"`
}

type PlayerLeft struct {
	ParticipantID string     `json:"participantId"`
	Nickname      string     `json:"nickname"`
	Reason        string     `json:"reason"`
	Members       Membership `json:"members"`
}

type RoomDestroyed struct {
	Message string `json:"message"`
}

type GameStarted struct {
	InitialState json.RawMessage `json:"initialState,omitempty"`
	AIPlayers    []string        `json:"aiPlayers,omitempty"`
	Settings     json.RawMessage `json:"settings,omitempty"`
}

type GameAction struct {
	ActionType string          `json:"actionType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// LastAction describes the most recent remote action inside a
// GAME_STATE_UPDATE.
type LastAction struct {
	ActionType    string          `json:"actionType"`
	ParticipantID string          `json:"participantId"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

type GameStateUpdate struct {
	LastAction LastAction `json:"lastAction"`
}

type ChatMessage struct {
	Message  string `json:"message"`
	IsPublic bool   `json:"isPublic"`
}

type ChatBroadcast struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Message       string `json:"message"`
	IsPublic      bool   `json:"isPublic"`
}
