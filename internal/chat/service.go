// Package chat implements the conversation operations: sending messages and
// streaming replies, retrying, forking, pinning and deleting chats, plus the
// user's custom models and personalisation records. Every mutation goes
// through the replicated document, so paired devices see it too.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/driftchat/drift-sync/internal/config"
	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/models"
	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/provider"
	"github.com/driftchat/drift-sync/internal/syncdoc"
)

// placeholderTitle is shown while the first reply streams; the real title is
// generated once the reply completes.
const placeholderTitle = "..."

// ErrNoProvider is returned when a reply is requested but no AI provider is
// configured.
var ErrNoProvider = errors.New("chat: no provider configured")

// Options configures the service.
type Options struct {
	Doc      *syncdoc.Doc
	Config   *config.Config
	Notifier *notify.Notifier
	Log      *slog.Logger

	// NewProvider overrides adapter construction. Tests use it; nil means
	// provider.New.
	NewProvider func(cfg config.Provider) (provider.Provider, error)

	// Now overrides the clock. Nil means time.Now.
	Now func() time.Time
}

// Service is safe for concurrent use. At most one reply streams per chat;
// sending to a chat with an in-flight reply cancels the old one first.
type Service struct {
	doc         *syncdoc.Doc
	cfg         *config.Config
	notifier    *notify.Notifier
	log         *slog.Logger
	newProvider func(cfg config.Provider) (provider.Provider, error)
	now         func() time.Time

	mu     sync.Mutex
	active map[string]*replyHandle // chat id -> the streaming reply
	wg     sync.WaitGroup
	closed bool
}

type replyHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Service, error) {
	if opts.Doc == nil {
		return nil, errors.New("chat: nil document")
	}
	if opts.Config == nil {
		opts.Config = &config.Config{}
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.NewProvider == nil {
		opts.NewProvider = provider.New
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		doc:         opts.Doc,
		cfg:         opts.Config,
		notifier:    opts.Notifier,
		log:         opts.Log,
		newProvider: opts.NewProvider,
		now:         opts.Now,
		active:      make(map[string]*replyHandle),
	}, nil
}

// Close cancels in-flight replies and waits for their goroutines.
func (s *Service) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.closed = true
	for _, h := range s.active {
		h.cancel()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// SendOptions describes one user message.
type SendOptions struct {
	ChatID     string // empty starts a new chat
	Model      string // required when starting a new chat
	Provider   string // config provider name; empty uses the default
	Content    string
	Attachment *entity.Attachment
}

// SendMessage records the user message (creating the chat and its sidebar
// entry if needed) and starts streaming the assistant reply in the
// background. It returns as soon as the user message is in the document.
func (s *Service) SendMessage(ctx context.Context, opts SendOptions) (chatID, messageID string, err error) {
	content := strings.TrimSpace(opts.Content)
	if content == "" && opts.Attachment == nil {
		return "", "", errors.New("chat: empty message")
	}

	nowMs := s.now().UnixMilli()
	chatID = strings.TrimSpace(opts.ChatID)
	messageID = uuid.NewString()

	var chat entity.Chat
	newChat := chatID == ""
	if newChat {
		model := strings.TrimSpace(opts.Model)
		if model == "" {
			return "", "", errors.New("chat: missing model for new chat")
		}
		chatID = uuid.NewString()
		chat = entity.Chat{ID: chatID, AIModel: model, CreatedAt: nowMs, Title: placeholderTitle}
	} else {
		ok, err := s.doc.GetInto(syncdoc.CollectionChats, chatID, &chat)
		if err != nil {
			return "", "", err
		}
		if !ok {
			return "", "", fmt.Errorf("chat: unknown chat %s", chatID)
		}
	}

	userMsg := entity.Message{
		ID:         messageID,
		ChatID:     chatID,
		Role:       entity.RoleUser,
		Content:    content,
		CreatedAt:  s.nextMessageTime(chatID),
		Attachment: opts.Attachment,
	}

	err = s.doc.Transact(func(tx *syncdoc.Tx) error {
		if newChat {
			if err := tx.Set(syncdoc.CollectionChats, chat.ID, chat); err != nil {
				return err
			}
			conv := entity.Conversation{ID: uuid.NewString(), ChatID: chatID, Order: nowMs}
			if err := tx.Set(syncdoc.CollectionConversations, conv.ID, conv); err != nil {
				return err
			}
		}
		return tx.Set(syncdoc.CollectionMessages, userMsg.ID, userMsg)
	})
	if err != nil {
		return "", "", err
	}

	s.startReply(chatID, chat.AIModel, opts.Provider)
	return chatID, messageID, nil
}

// StopReply cancels the in-flight reply for a chat, if any, and waits for
// its goroutine to stop writing. An assistant message that received no
// content yet is removed. Callers that delete or truncate the chat next
// rely on the wait: a stream that kept running could re-add the message
// with a fresher version after the tombstone.
func (s *Service) StopReply(chatID string) {
	s.mu.Lock()
	h, ok := s.active[chatID]
	s.mu.Unlock()
	if ok {
		h.cancel()
		<-h.done
	}
}

// Retry regenerates an assistant message. The message and everything after
// it in the chat are dropped, then the reply streams again from the
// remaining history.
func (s *Service) Retry(ctx context.Context, chatID, messageID string) error {
	chatID = strings.TrimSpace(chatID)
	var chat entity.Chat
	ok, err := s.doc.GetInto(syncdoc.CollectionChats, chatID, &chat)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chat: unknown chat %s", chatID)
	}

	history, err := s.chatMessages(chatID)
	if err != nil {
		return err
	}
	idx := -1
	for i, m := range history {
		if m.ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("chat: unknown message %s", messageID)
	}
	if history[idx].Role != entity.RoleAssistant {
		return errors.New("chat: only assistant messages can be retried")
	}

	s.StopReply(chatID)
	err = s.doc.Transact(func(tx *syncdoc.Tx) error {
		for _, m := range history[idx:] {
			tx.Delete(syncdoc.CollectionMessages, m.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.startReply(chatID, chat.AIModel, "")
	return nil
}

// Fork copies a chat and its messages into a new chat with fresh ids. The
// copy is marked as a fork and gets its own sidebar entry.
func (s *Service) Fork(ctx context.Context, chatID string) (string, error) {
	chatID = strings.TrimSpace(chatID)
	var src entity.Chat
	ok, err := s.doc.GetInto(syncdoc.CollectionChats, chatID, &src)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("chat: unknown chat %s", chatID)
	}

	history, err := s.chatMessages(chatID)
	if err != nil {
		return "", err
	}

	nowMs := s.now().UnixMilli()
	fork := entity.Chat{
		ID:        uuid.NewString(),
		AIModel:   src.AIModel,
		IsFork:    true,
		CreatedAt: nowMs,
		Title:     src.Title,
	}

	err = s.doc.Transact(func(tx *syncdoc.Tx) error {
		if err := tx.Set(syncdoc.CollectionChats, fork.ID, fork); err != nil {
			return err
		}
		conv := entity.Conversation{ID: uuid.NewString(), ChatID: fork.ID, Order: nowMs}
		if err := tx.Set(syncdoc.CollectionConversations, conv.ID, conv); err != nil {
			return err
		}
		for _, m := range history {
			copied := m
			copied.ID = uuid.NewString()
			copied.ChatID = fork.ID
			if err := tx.Set(syncdoc.CollectionMessages, copied.ID, copied); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.log.Info("chat forked", "chat_id", chatID, "fork_id", fork.ID, "messages", len(history))
	return fork.ID, nil
}

// DeleteChat removes a chat with its messages and sidebar entry. An
// in-flight reply for it is cancelled first.
func (s *Service) DeleteChat(ctx context.Context, chatID string) error {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		return errors.New("chat: missing chat id")
	}
	s.StopReply(chatID)

	history, err := s.chatMessages(chatID)
	if err != nil {
		return err
	}
	conversations := s.conversationsForChat(chatID)

	return s.doc.Transact(func(tx *syncdoc.Tx) error {
		for _, m := range history {
			tx.Delete(syncdoc.CollectionMessages, m.ID)
		}
		for _, id := range conversations {
			tx.Delete(syncdoc.CollectionConversations, id)
		}
		tx.Delete(syncdoc.CollectionChats, chatID)
		return nil
	})
}

// TogglePin flips a sidebar entry's pinned flag.
func (s *Service) TogglePin(ctx context.Context, conversationID string) error {
	return s.doc.Transact(func(tx *syncdoc.Tx) error {
		var conv entity.Conversation
		ok, err := tx.GetInto(syncdoc.CollectionConversations, conversationID, &conv)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chat: unknown conversation %s", conversationID)
		}
		conv.IsPinned = !conv.IsPinned
		return tx.Set(syncdoc.CollectionConversations, conv.ID, conv)
	})
}

// Reorder moves a conversation to a new sidebar position.
func (s *Service) Reorder(ctx context.Context, conversationID string, order int64) error {
	return s.doc.Transact(func(tx *syncdoc.Tx) error {
		var conv entity.Conversation
		ok, err := tx.GetInto(syncdoc.CollectionConversations, conversationID, &conv)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chat: unknown conversation %s", conversationID)
		}
		conv.Order = order
		return tx.Set(syncdoc.CollectionConversations, conv.ID, conv)
	})
}

// AddCustomModel registers a user-defined model. A missing id gets one.
func (s *Service) AddCustomModel(ctx context.Context, m models.Model) (models.Model, error) {
	m.Name = strings.TrimSpace(m.Name)
	if m.Name == "" {
		return models.Model{}, errors.New("chat: missing model name")
	}
	if strings.TrimSpace(m.ID) == "" {
		m.ID = uuid.NewString()
	}
	if err := s.doc.Set(syncdoc.CollectionModels, m.ID, m); err != nil {
		return models.Model{}, err
	}
	return m, nil
}

// DeleteCustomModel removes a user-defined model.
func (s *Service) DeleteCustomModel(ctx context.Context, id string) error {
	return s.doc.Delete(syncdoc.CollectionModels, strings.TrimSpace(id))
}

// SetUserProfile stores the personalisation record used in system prompts.
func (s *Service) SetUserProfile(ctx context.Context, c entity.Customisation) error {
	c.ID = entity.CustomisationUserProfile
	return s.doc.Set(syncdoc.CollectionCustomisation, c.ID, c)
}

// SetTTSSettings stores the voice playback preferences.
func (s *Service) SetTTSSettings(ctx context.Context, cfg entity.TTSConfig) error {
	rec := entity.Customisation{ID: entity.CustomisationTTSSettings, Config: &cfg}
	return s.doc.Set(syncdoc.CollectionCustomisation, rec.ID, rec)
}

// startReply begins streaming an assistant reply in the background, after
// cancelling any reply already running for the chat.
func (s *Service) startReply(chatID, model, providerName string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if old, ok := s.active[chatID]; ok {
		old.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &replyHandle{cancel: cancel, done: make(chan struct{})}
	s.active[chatID] = h
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			if s.active[chatID] == h {
				delete(s.active, chatID)
			}
			s.mu.Unlock()
			cancel()
			close(h.done)
		}()
		s.streamReply(ctx, chatID, model, providerName)
	}()
}

func (s *Service) streamReply(ctx context.Context, chatID, model, providerName string) {
	p, pcfg, err := s.resolveProvider(providerName)
	if err != nil {
		s.log.Warn("reply skipped", "chat_id", chatID, "error", err)
		if s.notifier != nil {
			s.notifier.Error("No AI provider is configured. Add one to get replies.")
		}
		return
	}
	if strings.TrimSpace(pcfg.Model) != "" {
		// A provider-level model pin overrides the chat's model, which may
		// name something this backend does not serve.
		model = pcfg.Model
	}

	history, err := s.chatMessages(chatID)
	if err != nil {
		s.log.Error("load history failed", "chat_id", chatID, "error", err)
		return
	}
	turns := make([]provider.Turn, 0, len(history))
	var firstUserMessage string
	for _, m := range history {
		turns = append(turns, provider.Turn{Role: m.Role, Content: m.Content})
		if firstUserMessage == "" && m.Role == entity.RoleUser {
			firstUserMessage = m.Content
		}
	}

	assistant := entity.Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		Role:      entity.RoleAssistant,
		CreatedAt: s.nextMessageTime(chatID),
		Model:     model,
	}
	if err := s.doc.Set(syncdoc.CollectionMessages, assistant.ID, assistant); err != nil {
		s.log.Error("create assistant message failed", "chat_id", chatID, "error", err)
		return
	}

	var content strings.Builder
	reply, streamErr := p.StreamReply(ctx, provider.Request{
		Model:  model,
		System: s.systemPrompt(),
		Turns:  turns,
	}, func(delta string) {
		content.WriteString(delta)
		assistant.Content = content.String()
		_ = s.doc.Set(syncdoc.CollectionMessages, assistant.ID, assistant)
	})

	if streamErr != nil {
		if content.Len() == 0 {
			// Nothing arrived; drop the empty bubble instead of leaving it.
			_ = s.doc.Delete(syncdoc.CollectionMessages, assistant.ID)
		}
		if ctx.Err() != nil {
			s.log.Info("reply cancelled", "chat_id", chatID)
			return
		}
		s.log.Error("reply failed", "chat_id", chatID, "error", streamErr)
		if s.notifier != nil {
			s.notifier.Error("The reply failed. Check your provider settings and try again.")
		}
		return
	}

	assistant.Content = reply
	if err := s.doc.Set(syncdoc.CollectionMessages, assistant.ID, assistant); err != nil {
		s.log.Error("finalize assistant message failed", "chat_id", chatID, "error", err)
		return
	}

	s.maybeSetTitle(ctx, chatID, p, pcfg, model, firstUserMessage)
}

// maybeSetTitle replaces the placeholder title after the first completed
// reply in a chat.
func (s *Service) maybeSetTitle(ctx context.Context, chatID string, p provider.Provider, pcfg config.Provider, model, firstUserMessage string) {
	var chat entity.Chat
	ok, err := s.doc.GetInto(syncdoc.CollectionChats, chatID, &chat)
	if err != nil || !ok || chat.Title != placeholderTitle {
		return
	}

	titleModel := strings.TrimSpace(pcfg.TitleModel)
	if titleModel == "" {
		titleModel = model
	}
	chat.Title = provider.GenerateTitle(ctx, p, titleModel, firstUserMessage)
	if err := s.doc.Set(syncdoc.CollectionChats, chat.ID, chat); err != nil {
		s.log.Error("set title failed", "chat_id", chatID, "error", err)
	}
}

func (s *Service) resolveProvider(name string) (provider.Provider, config.Provider, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = strings.TrimSpace(s.cfg.DefaultProvider)
	}
	if name == "" || len(s.cfg.Providers) == 0 {
		return nil, config.Provider{}, ErrNoProvider
	}
	pcfg, ok := s.cfg.Providers[name]
	if !ok {
		return nil, config.Provider{}, fmt.Errorf("chat: unknown provider %q", name)
	}
	p, err := s.newProvider(pcfg)
	if err != nil {
		return nil, config.Provider{}, err
	}
	return p, pcfg, nil
}

// systemPrompt folds the user profile record into instructions, matching
// what the user asked the assistant to know about them.
func (s *Service) systemPrompt() string {
	var profile entity.Customisation
	ok, err := s.doc.GetInto(syncdoc.CollectionCustomisation, entity.CustomisationUserProfile, &profile)
	if err != nil || !ok {
		return ""
	}

	var parts []string
	if profile.Name != "" {
		parts = append(parts, fmt.Sprintf("The user's name is %s.", profile.Name))
	}
	if profile.Occupation != "" {
		parts = append(parts, fmt.Sprintf("The user works as %s.", profile.Occupation))
	}
	if len(profile.Traits) > 0 {
		parts = append(parts, fmt.Sprintf("The assistant should be %s.", strings.Join(profile.Traits, ", ")))
	}
	if profile.About != "" {
		parts = append(parts, "About the user: "+profile.About)
	}
	return strings.Join(parts, " ")
}

// nextMessageTime returns a creation timestamp strictly after every message
// already in the chat. A reply can land in the same millisecond as the user
// message that prompted it; without the bump the two would tie on CreatedAt
// and sort by id, putting history in arbitrary order.
func (s *Service) nextMessageTime(chatID string) int64 {
	ts := s.now().UnixMilli()
	for _, raw := range s.doc.Values(syncdoc.CollectionMessages) {
		var m entity.Message
		if unmarshalRecord(raw, &m) != nil || m.ChatID != chatID {
			continue
		}
		if m.CreatedAt >= ts {
			ts = m.CreatedAt + 1
		}
	}
	return ts
}

// chatMessages returns a chat's live messages sorted by creation time.
func (s *Service) chatMessages(chatID string) ([]entity.Message, error) {
	values := s.doc.Values(syncdoc.CollectionMessages)
	out := make([]entity.Message, 0, len(values))
	for id, raw := range values {
		var m entity.Message
		if err := unmarshalRecord(raw, &m); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", id, err)
		}
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Service) conversationsForChat(chatID string) []string {
	var ids []string
	for id, raw := range s.doc.Values(syncdoc.CollectionConversations) {
		var conv entity.Conversation
		if err := unmarshalRecord(raw, &conv); err != nil {
			continue
		}
		if conv.ChatID == chatID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
