package session

// Inbound message types.
const (
	TypeQuery        = "query"
	TypePluginToggle = "plugin_toggle"
	TypePluginList   = "plugin_list"
	TypeStatusUpdate = "status_update"
	TypePing         = "ping"
)

// Outbound message types.
const (
	TypeHandshake            = "handshake"
	TypeResponse             = "response"
	TypeClarificationRequest = "clarification_request"
	TypeError                = "error"
	TypePluginToggled        = "plugin_toggled"
	TypePluginListResult     = "plugin_list"
	TypeStatusUpdated        = "status_updated"
	TypePong                 = "pong"
)

// Inbound is any message a client may send. Fields not used by Type are empty.
type Inbound struct {
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	Seq     uint64         `json:"seq,omitempty"`

	Plugin string `json:"plugin,omitempty"`
	Action string `json:"action,omitempty"`

	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
}

// Response carries a final answer or apology.
type Response struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClarificationActions tells the overlay how to prepare for the answer.
type ClarificationActions struct {
	StopPlayback   bool `json:"stop_playback"`
	StartListening bool `json:"start_listening"`
}

// ClarificationData is the payload of a clarification request.
type ClarificationData struct {
	Question string               `json:"question"`
	Context  string               `json:"context"`
	Actions  ClarificationActions `json:"actions"`
}

// ClarificationMessage asks the user a question.
type ClarificationMessage struct {
	Type string            `json:"type"`
	Data ClarificationData `json:"data"`
}

// ErrorMessage reports a problem without exposing internal errors.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Handshake is sent once after a session is established.
type Handshake struct {
	Type           string   `json:"type"`
	SessionID      string   `json:"session_id"`
	UserID         string   `json:"user_id"`
	EnabledPlugins []string `json:"enabled_plugins"`
	Pending        string   `json:"pending_question,omitempty"`
}

// PluginInfo describes one plugin and whether the user enabled it.
type PluginInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Version     string   `json:"version"`
	Enabled     bool     `json:"enabled"`
	Functions   []string `json:"functions"`
}

// PluginList answers plugin_list.
type PluginList struct {
	Type    string       `json:"type"`
	Plugins []PluginInfo `json:"plugins"`
}

// PluginToggled answers plugin_toggle.
type PluginToggled struct {
	Type           string   `json:"type"`
	Plugin         string   `json:"plugin"`
	Enabled        bool     `json:"enabled"`
	EnabledPlugins []string `json:"enabled_plugins"`
}

// StatusUpdated acknowledges a status_update.
type StatusUpdated struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Pong answers ping.
type Pong struct {
	Type string `json:"type"`
}

// NewError builds an error message.
func NewError(message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message}
}
