package protocol

// Frame types used by the websocket protocol.
const (
	TypeJoin         = "join"
	TypeSnapshot     = "snapshot"
	TypeSubmit       = "submit"
	TypeMessage      = "message"
	TypeMemberJoined = "member_joined"
	TypeMemberLeft   = "member_left"
	TypePing         = "ping"
	TypePong         = "pong"
	TypeError        = "error"
)

// Content kinds.
const (
	KindText = "text"
	KindFile = "file"
)

// Message is the JSON envelope exchanged over the websocket.
type Message struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"room_id,omitempty"`
	ClientID string    `json:"client_id,omitempty"`
	SelfID   string    `json:"self_id,omitempty"` // snapshot: authoritative ID for the receiving client
	Content  *Content  `json:"content,omitempty"`
	History  []Content `json:"history,omitempty"` // snapshot: room history, oldest first
	Members  []Member  `json:"members,omitempty"` // snapshot: current room members
	TS       int64     `json:"ts,omitempty"`      // ping/pong Unix ms
	Error    string    `json:"error,omitempty"`
}

// Content is one immutable relayed item. Exactly one of the two shapes is
// populated: text (Body) or file (MediaType, FileName, DataURI).
type Content struct {
	Kind      string `json:"kind"`
	Body      string `json:"body,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	FileName  string `json:"file_name,omitempty"`
	DataURI   string `json:"data_uri,omitempty"`
	SenderID  string `json:"sender_id,omitempty"`
	TS        int64  `json:"ts,omitempty"` // relay arrival time, Unix ms; defines in-room order
}

// Member is a brief snapshot of one room participant.
type Member struct {
	ClientID string `json:"client_id"`
	JoinedAt int64  `json:"joined_at,omitempty"` // Unix ms
}
