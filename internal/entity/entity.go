// Package entity defines the replicated record shapes shared by the document,
// the projection, the legacy store and the chat service.
package entity

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Customisation singleton ids.
const (
	CustomisationUserProfile = "userProfile"
	CustomisationTTSSettings = "ttsSettings"
)

// Chat is one conversation thread. Title starts as a placeholder and is
// replaced once the first assistant reply completes.
type Chat struct {
	ID        string `json:"id"`
	AIModel   string `json:"aiModel"`
	IsFork    bool   `json:"isFork"`
	CreatedAt int64  `json:"createdAt"`
	Title     string `json:"title,omitempty"`
}

// Attachment is file metadata carried on a user message. Preview holds a
// small inline representation (data URL); the file itself is never synced.
type Attachment struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Size    int64  `json:"size"`
	Preview string `json:"preview,omitempty"`
}

// Message is a single turn. Assistant messages are replaced repeatedly while
// a reply streams and become immutable once it completes.
type Message struct {
	ID         string      `json:"id"`
	ChatID     string      `json:"chatId"`
	Role       string      `json:"role"`
	Content    string      `json:"content"`
	CreatedAt  int64       `json:"createdAt"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Model      string      `json:"model,omitempty"`
}

// Conversation is the sidebar index entry for a chat. It has its own id so
// ordering and pinning can change without touching the chat record.
type Conversation struct {
	ID       string `json:"id"`
	ChatID   string `json:"chatId"`
	Order    int64  `json:"order"`
	IsPinned bool   `json:"isPinned"`
}

// TTSConfig is the voice playback preference block inside a customisation
// record. Stored and synced; never interpreted by the sync engine.
type TTSConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	VoiceID string `json:"voiceId,omitempty"`
}

// Customisation is a singleton preference record keyed by a fixed id.
type Customisation struct {
	ID         string     `json:"id"`
	Name       string     `json:"name,omitempty"`
	Occupation string     `json:"occupation,omitempty"`
	Traits     []string   `json:"traits,omitempty"`
	About      string     `json:"about,omitempty"`
	Config     *TTSConfig `json:"config,omitempty"`
}
