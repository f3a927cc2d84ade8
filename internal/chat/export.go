package chat

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

func unmarshalRecord(raw json.RawMessage, out any) error {
	return json.Unmarshal(raw, out)
}

// ExportCSV writes every message to w, grouped by chat in creation order.
// The export is a plain flat file meant for backup or spreadsheet use.
func (s *Service) ExportCSV(w io.Writer) error {
	chats := make(map[string]entity.Chat)
	for id, raw := range s.doc.Values(syncdoc.CollectionChats) {
		var c entity.Chat
		if err := unmarshalRecord(raw, &c); err != nil {
			return fmt.Errorf("decode chat %s: %w", id, err)
		}
		chats[c.ID] = c
	}

	var messages []entity.Message
	for id, raw := range s.doc.Values(syncdoc.CollectionMessages) {
		var m entity.Message
		if err := unmarshalRecord(raw, &m); err != nil {
			return fmt.Errorf("decode message %s: %w", id, err)
		}
		messages = append(messages, m)
	}
	sort.Slice(messages, func(i, j int) bool {
		ci, cj := chats[messages[i].ChatID], chats[messages[j].ChatID]
		if ci.CreatedAt != cj.CreatedAt {
			return ci.CreatedAt < cj.CreatedAt
		}
		if messages[i].ChatID != messages[j].ChatID {
			return messages[i].ChatID < messages[j].ChatID
		}
		if messages[i].CreatedAt != messages[j].CreatedAt {
			return messages[i].CreatedAt < messages[j].CreatedAt
		}
		return messages[i].ID < messages[j].ID
	})

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"chat_id", "chat_title", "message_id", "role", "model", "created_at", "content"}); err != nil {
		return err
	}
	for _, m := range messages {
		chat := chats[m.ChatID]
		createdAt := time.UnixMilli(m.CreatedAt).UTC().Format(time.RFC3339)
		if m.CreatedAt == 0 {
			createdAt = strconv.FormatInt(m.CreatedAt, 10)
		}
		if err := cw.Write([]string{m.ChatID, chat.Title, m.ID, m.Role, m.Model, createdAt, m.Content}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
