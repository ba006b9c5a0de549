package models

type User struct {
	ID        int64
	Name      string
	LastSeen  int64 // ms epoch
	Connected bool
}

// Message is append-only: exactly one of Text or the Filename/Filetype/Data
// triple is set. A nil To means broadcast. Data is opaque base64 text.
type Message struct {
	ID       int64   `json:"id"`
	From     string  `json:"from"`
	To       *string `json:"to"`
	Text     string  `json:"text,omitempty"`
	Filename string  `json:"filename,omitempty"`
	Filetype string  `json:"filetype,omitempty"`
	Data     string  `json:"data,omitempty"`
	TS       int64   `json:"ts"` // ms epoch, relay-assigned
}

// IsFile reports whether the message carries a file payload.
func (m *Message) IsFile() bool {
	return m.Filename != ""
}
