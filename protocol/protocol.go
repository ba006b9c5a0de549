package protocol

import (
	"encoding/json"

	"github.com/pkg/errors"

	"chatrelay/models"
)

// Envelope types
const (
	TypeHello        = "hello"
	TypeRegister     = "register"
	TypeRegistered   = "registered"
	TypeRequestUsers = "requestUsers"
	TypeUsers        = "users"
	TypeGetHistory   = "getHistory"
	TypeHistory      = "history"
	TypeMessage      = "message"
	TypeFile         = "file"
	TypePresence     = "presence"
	TypeTelegramAuth = "telegramAuth"
)

// Presence events
const (
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

// Telegram auth statuses
const (
	AuthOK     = "ok"
	AuthFailed = "failed"
)

// GlobalChat is the reserved history peer meaning "all broadcast messages".
const GlobalChat = "Global"

var ErrUnknownType = errors.New("unknown envelope type")

// Hello is sent once by the relay on connect.
type Hello struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

// Register requests a display name. An empty name gets a placeholder.
type Register struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Registered carries the final (possibly suffixed) name and the user list.
type Registered struct {
	Type     string   `json:"type"`
	YourName string   `json:"yourName"`
	Users    []string `json:"users"`
}

// RequestUsers asks for the connected-user snapshot.
type RequestUsers struct {
	Type string `json:"type"`
}

// Users is the connected-user snapshot reply.
type Users struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// GetHistory requests messages exchanged with a peer, or GlobalChat for
// broadcast history. Limit is clamped by the relay to [1,500], default 100.
type GetHistory struct {
	Type  string `json:"type"`
	With  string `json:"with"`
	Limit int    `json:"limit,omitempty"`
}

// History is the reply to GetHistory, oldest first.
type History struct {
	Type     string           `json:"type"`
	With     string           `json:"with"`
	Messages []models.Message `json:"messages"`
}

// ChatMessage is a text message. Clients send Text and To; the relay fills
// From and TS on delivery. A nil To means broadcast.
type ChatMessage struct {
	Type string  `json:"type"`
	From string  `json:"from,omitempty"`
	To   *string `json:"to"`
	Text string  `json:"text"`
	TS   int64   `json:"ts,omitempty"`
}

// FileMessage is a file payload routed exactly like ChatMessage.
// Data is base64 text, opaque to the relay.
type FileMessage struct {
	Type     string  `json:"type"`
	From     string  `json:"from,omitempty"`
	To       *string `json:"to"`
	Filename string  `json:"filename"`
	Filetype string  `json:"filetype"`
	Data     string  `json:"data"`
	TS       int64   `json:"ts,omitempty"`
}

// Presence announces a name joining or leaving.
type Presence struct {
	Type  string `json:"type"`
	Event string `json:"event"`
	Name  string `json:"name"`
}

// TelegramAuth carries widget claims from the client, and the verification
// outcome back: Status AuthOK with the derived name, or AuthFailed.
type TelegramAuth struct {
	Type     string            `json:"type"`
	Claims   map[string]string `json:"claims,omitempty"`
	Status   string            `json:"status,omitempty"`
	YourName string            `json:"yourName,omitempty"`
}

func NewHello() *Hello {
	return &Hello{Type: TypeHello, Msg: "welcome"}
}

func NewRegister(name string) *Register {
	return &Register{Type: TypeRegister, Name: name}
}

func NewRegistered(yourName string, users []string) *Registered {
	return &Registered{Type: TypeRegistered, YourName: yourName, Users: users}
}

func NewRequestUsers() *RequestUsers {
	return &RequestUsers{Type: TypeRequestUsers}
}

func NewUsers(users []string) *Users {
	return &Users{Type: TypeUsers, Users: users}
}

func NewGetHistory(with string, limit int) *GetHistory {
	return &GetHistory{Type: TypeGetHistory, With: with, Limit: limit}
}

func NewHistory(with string, messages []models.Message) *History {
	if messages == nil {
		messages = []models.Message{}
	}
	return &History{Type: TypeHistory, With: with, Messages: messages}
}

func NewChatMessage(text string, to *string) *ChatMessage {
	return &ChatMessage{Type: TypeMessage, To: to, Text: text}
}

func NewFileMessage(filename, filetype, data string, to *string) *FileMessage {
	return &FileMessage{Type: TypeFile, To: to, Filename: filename, Filetype: filetype, Data: data}
}

func NewPresence(event, name string) *Presence {
	return &Presence{Type: TypePresence, Event: event, Name: name}
}

func NewTelegramAuth(claims map[string]string) *TelegramAuth {
	return &TelegramAuth{Type: TypeTelegramAuth, Claims: claims}
}

// Encode marshals an envelope for the wire.
func Encode(env any) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

// Decode parses one wire envelope into its concrete type. Unknown type tags
// return ErrUnknownType; callers drop such envelopes without closing the
// connection.
func Decode(data []byte) (any, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}

	var env any
	switch probe.Type {
	case TypeHello:
		env = &Hello{}
	case TypeRegister:
		env = &Register{}
	case TypeRegistered:
		env = &Registered{}
	case TypeRequestUsers:
		env = &RequestUsers{}
	case TypeUsers:
		env = &Users{}
	case TypeGetHistory:
		env = &GetHistory{}
	case TypeHistory:
		env = &History{}
	case TypeMessage:
		env = &ChatMessage{}
	case TypeFile:
		env = &FileMessage{}
	case TypePresence:
		env = &Presence{}
	case TypeTelegramAuth:
		env = &TelegramAuth{}
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", probe.Type)
	}

	if err := json.Unmarshal(data, env); err != nil {
		return nil, errors.Wrapf(err, "decode %s", probe.Type)
	}
	return env, nil
}
