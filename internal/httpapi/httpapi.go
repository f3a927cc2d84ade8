// Package httpapi exposes the daemon to local clients: reads against the
// projection, chat and pairing operations, notices and the CSV export.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/driftchat/drift-sync/internal/chat"
	"github.com/driftchat/drift-sync/internal/entity"
	"github.com/driftchat/drift-sync/internal/models"
	"github.com/driftchat/drift-sync/internal/notify"
	"github.com/driftchat/drift-sync/internal/pairing"
	"github.com/driftchat/drift-sync/internal/projection"
)

// Server wires the HTTP handlers to the daemon's components.
type Server struct {
	chats      *chat.Service
	pairing    *pairing.Controller
	projection *projection.Projection
	notifier   *notify.Notifier
	log        *slog.Logger
}

type Options struct {
	Chats      *chat.Service
	Pairing    *pairing.Controller
	Projection *projection.Projection
	Notifier   *notify.Notifier
	Log        *slog.Logger
}

func New(opts Options) (*Server, error) {
	if opts.Chats == nil || opts.Pairing == nil || opts.Projection == nil {
		return nil, errors.New("httpapi: missing components")
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	return &Server{
		chats:      opts.Chats,
		pairing:    opts.Pairing,
		projection: opts.Projection,
		notifier:   opts.Notifier,
		log:        opts.Log,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/notices", s.handleNotices)

	r.Post("/api/pairing/host", s.handleHost)
	r.Post("/api/pairing/join", s.handleJoin)
	r.Post("/api/pairing/leave", s.handleLeave)

	r.Get("/api/conversations", s.handleConversations)
	r.Post("/api/conversations/{id}/pin", s.handleTogglePin)
	r.Post("/api/conversations/{id}/order", s.handleReorder)

	r.Post("/api/messages", s.handleSendMessage)
	r.Get("/api/chats/{id}", s.handleChat)
	r.Delete("/api/chats/{id}", s.handleDeleteChat)
	r.Post("/api/chats/{id}/stop", s.handleStopReply)
	r.Post("/api/chats/{id}/retry", s.handleRetry)
	r.Post("/api/chats/{id}/fork", s.handleFork)

	r.Get("/api/models", s.handleModels)
	r.Post("/api/models", s.handleAddModel)
	r.Delete("/api/models/{id}", s.handleDeleteModel)

	r.Get("/api/customisation/{id}", s.handleGetCustomisation)
	r.Put("/api/customisation/profile", s.handlePutProfile)
	r.Put("/api/customisation/tts", s.handlePutTTS)

	r.Get("/api/export.csv", s.handleExportCSV)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 8<<20))
	return dec.Decode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pairing.Status())
}

func (s *Server) handleNotices(w http.ResponseWriter, _ *http.Request) {
	var notices []notify.Notice
	if s.notifier != nil {
		notices = s.notifier.Recent()
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": notices})
}

func (s *Server) handleHost(w http.ResponseWriter, r *http.Request) {
	code, err := s.pairing.Host(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Code string `json:"code"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.pairing.Join(r.Context(), body.Code); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pairing.ErrJoinTimeout) {
			status = http.StatusGatewayTimeout
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pairing.Status())
}

func (s *Server) handleLeave(w http.ResponseWriter, _ *http.Request) {
	if err := s.pairing.Leave(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pairing.Status())
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	rows, err := s.projection.Conversations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if rows == nil {
		rows = []projection.ConversationRow{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": rows})
}

func (s *Server) handleTogglePin(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.TogglePin(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Order int64 `json:"order"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.Reorder(r.Context(), chi.URLParam(r, "id"), body.Order); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ChatID     string             `json:"chatId"`
		Model      string             `json:"model"`
		Provider   string             `json:"provider"`
		Content    string             `json:"content"`
		Attachment *entity.Attachment `json:"attachment"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	chatID, messageID, err := s.chats.SendMessage(r.Context(), chat.SendOptions{
		ChatID:     body.ChatID,
		Model:      body.Model,
		Provider:   body.Provider,
		Content:    body.Content,
		Attachment: body.Attachment,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"chatId": chatID, "messageId": messageID})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, ok, err := s.projection.Chat(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("chat not found"))
		return
	}
	msgs, err := s.projection.Messages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if msgs == nil {
		msgs = []entity.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"chat": c, "messages": msgs})
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeleteChat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStopReply(w http.ResponseWriter, r *http.Request) {
	s.chats.StopReply(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MessageID string `json:"messageId"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.Retry(r.Context(), chi.URLParam(r, "id"), body.MessageID); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleFork(w http.ResponseWriter, r *http.Request) {
	forkID, err := s.chats.Fork(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"chatId": forkID})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	custom, err := s.projection.CustomModels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models.Merge(custom)})
}

func (s *Server) handleAddModel(w http.ResponseWriter, r *http.Request) {
	var m models.Model
	if err := readJSON(r, &m); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added, err := s.chats.AddCustomModel(r.Context(), m)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, added)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	if err := s.chats.DeleteCustomModel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetCustomisation(w http.ResponseWriter, r *http.Request) {
	c, ok, err := s.projection.Customisation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("customisation not found"))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handlePutProfile(w http.ResponseWriter, r *http.Request) {
	var c entity.Customisation
	if err := readJSON(r, &c); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.SetUserProfile(r.Context(), c); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePutTTS(w http.ResponseWriter, r *http.Request) {
	var cfg entity.TTSConfig
	if err := readJSON(r, &cfg); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.chats.SetTTSSettings(r.Context(), cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExportCSV(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="drift-chats.csv"`)
	if err := s.chats.ExportCSV(w); err != nil {
		s.log.Error("csv export failed", "error", err)
	}
}
