package history

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the three known roles.
func (r Role) Valid() bool {
	return r == RoleSystem || r == RoleUser || r == RoleAssistant
}

// Message represents a single conversational message.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Clone returns an independent copy of m.
func (m Message) Clone() Message {
	return Message{Role: m.Role, Content: m.Content}
}

// CloneAll copies every message of msgs into a fresh slice.
func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
