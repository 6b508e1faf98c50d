package connector

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventSub control message types.
const (
	msgTypeWelcome      = "session_welcome"
	msgTypeKeepalive    = "session_keepalive"
	msgTypeReconnect    = "session_reconnect"
	msgTypeNotification = "notification"
	msgTypeRevocation   = "revocation"
)

// Subscription types this service listens on.
const (
	SubStreamOnline  = "stream.online"
	SubStreamOffline = "stream.offline"
	SubChannelUpdate = "channel.update"
)

// envelope is the outer EventSub websocket frame.
type envelope struct {
	Metadata metadata        `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type metadata struct {
	MessageID        string    `json:"message_id"`
	MessageType      string    `json:"message_type"`
	MessageTimestamp time.Time `json:"message_timestamp"`
	SubscriptionType string    `json:"subscription_type,omitempty"`
}

// sessionPayload is the payload of session_welcome and session_reconnect.
type sessionPayload struct {
	Session struct {
		ID                      string  `json:"id"`
		Status                  string  `json:"status"`
		KeepaliveTimeoutSeconds int     `json:"keepalive_timeout_seconds"`
		ReconnectURL            *string `json:"reconnect_url"`
	} `json:"session"`
}

// notificationPayload is the payload of notification messages.
type notificationPayload struct {
	Subscription struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

type streamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

type streamOfflineEvent struct {
	BroadcasterUserID   string `json:"broadcaster_user_id"`
	BroadcasterUserName string `json:"broadcaster_user_name"`
}

type channelUpdateEvent struct {
	BroadcasterUserID   string `json:"broadcaster_user_id"`
	BroadcasterUserName string `json:"broadcaster_user_name"`
	Title               string `json:"title"`
	CategoryID          string `json:"category_id"`
	CategoryName        string `json:"category_name"`
}

func parseJSON(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

func parseEnvelope(data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Metadata.MessageType == "" {
		return nil, fmt.Errorf("envelope missing message_type")
	}
	return &env, nil
}

func parseSession(payload json.RawMessage) (*sessionPayload, error) {
	var p sessionPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse session payload: %w", err)
	}
	return &p, nil
}

// eventTime picks the segment-boundary timestamp: upstream event time when
// present, local receipt time otherwise. Never interpolated.
func eventTime(upstream, received time.Time) time.Time {
	if !upstream.IsZero() {
		return upstream
	}
	return received
}
