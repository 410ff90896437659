package protocol

// Frame body shapes. Bodies are UTF-8 JSON; unknown fields are ignored on
// decode so clients may extend them.

// AuthRequestBody is the payload of an AUTH_REQUEST frame.
type AuthRequestBody struct {
	Token          string `json:"token"`
	ClientDeviceID string `json:"client_device_id"`
}

// AuthResponseBody is the payload of an AUTH_RESPONSE frame.
type AuthResponseBody struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	UserUUID string `json:"user_uuid,omitempty"`
}

// HeartbeatBody is the payload of a HEARTBEAT frame in either direction.
type HeartbeatBody struct {
	Timestamp int64  `json:"timestamp"`
	Status    string `json:"status"`
	Sequence  uint64 `json:"sequence,omitempty"`
}

// ChatMessageBody is the payload of a CHAT_MESSAGE frame. Target selects a
// single recipient by user uuid; when empty the message is broadcast.
type ChatMessageBody struct {
	Content   string `json:"content"`
	Sender    string `json:"sender,omitempty"`
	Target    string `json:"target,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ErrorBody is the payload of an ERROR_MESSAGE frame.
type ErrorBody struct {
	Error string `json:"error"`
}

// SystemNotificationBody is the payload of a SYSTEM_NOTIFICATION frame.
type SystemNotificationBody struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
}
