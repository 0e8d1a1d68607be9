package api

import (
	"encoding/json"
	"errors"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/parley/chat-core/internal/apperr"
	"github.com/parley/chat-core/internal/attachment"
	"github.com/parley/chat-core/internal/auth"
	"github.com/parley/chat-core/internal/message"
)

// maxMemory is how much of a multipart body is kept in memory; the rest is
// spooled to temp files.
const maxMemory = 8 << 20

func caller(r *http.Request) string {
	id, _ := auth.FromContext(r.Context())
	return id.UserID
}

func (s *Server) createConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ParticipantID string `json:"participant_id"`
	}
	if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &body); err != nil {
		s.fail(w, r, err)
		return
	}
	conv, created, err := s.deps.Conversations.Create(r.Context(), caller(r), body.ParticipantID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !created {
		ok(w, http.StatusOK, "Conversation already exists", conv)
		return
	}
	ok(w, http.StatusCreated, "Conversation created successfully", conv)
}

func (s *Server) listConversations(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Conversations.List(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Conversations retrieved successfully", list)
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.deps.Conversations.Get(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Conversation retrieved successfully", conv)
}

func (s *Server) deleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Conversations.Delete(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Conversation deleted successfully", nil)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.deps.Conversations.ListUsers(r.Context(), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Users retrieved successfully", users)
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	in, cleanup, err := s.parseSend(w, r)
	defer cleanup()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	in.SenderID = caller(r)

	msg, err := s.deps.Messages.Send(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "Message sent successfully", msg)
}

// parseSend reads a send request from a multipart form (fields
// conversation_id and text, files under "attachments") or a JSON body. The
// returned cleanup closes opened files and removes spooled temp files.
func (s *Server) parseSend(w http.ResponseWriter, r *http.Request) (message.SendInput, func(), error) {
	var in message.SendInput
	nop := func() {}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		var body struct {
			ConversationID string `json:"conversation_id"`
			Text           string `json:"text"`
		}
		if err := decodeJSON(w, r, s.cfg.MaxBodyBytes, &body); err != nil {
			return in, nop, err
		}
		in.ConversationID, in.Text = body.ConversationID, body.Text
		return in, nop, nil
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	if err := r.ParseMultipartForm(maxMemory); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return in, nop, apperr.Validation("request body too large")
		}
		return in, nop, apperr.Validation("invalid multipart form")
	}

	var files []multipart.File
	cleanup := func() {
		for _, f := range files {
			_ = f.Close()
		}
		_ = r.MultipartForm.RemoveAll()
	}

	in.ConversationID = r.FormValue("conversation_id")
	in.Text = r.FormValue("text")
	var headers []*multipart.FileHeader
	headers = append(headers, r.MultipartForm.File["attachments"]...)
	headers = append(headers, r.MultipartForm.File["attachments[]"]...)
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return in, cleanup, apperr.Validation("unreadable attachment " + strconv.Quote(fh.Filename))
		}
		files = append(files, f)
		in.Uploads = append(in.Uploads, attachment.Upload{
			Name:        fh.Filename,
			Size:        fh.Size,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}
	return in, cleanup, nil
}

func (s *Server) listMessages(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page", 1)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	perPage, err := queryInt(r, "per_page", s.cfg.DefaultPerPage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.deps.Messages.List(r.Context(), chi.URLParam(r, "id"), caller(r), page, perPage)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	msg := "Messages retrieved successfully"
	if out.Pagination.Total == 0 {
		msg = "No messages found"
	}
	ok(w, http.StatusOK, msg, out)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Messages.Delete(r.Context(), chi.URLParam(r, "id"), caller(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Message deleted successfully", nil)
}

func (s *Server) unread(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Reads.Unread(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Unread message count retrieved successfully", out)
}

func (s *Server) markRead(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Reads.MarkRead(r.Context(), chi.URLParam(r, "id"), caller(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "Messages marked as read successfully", out)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, limit))
	if err := dec.Decode(dst); err != nil {
		return apperr.Validation("invalid JSON body")
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(name + " must be an integer")
	}
	return n, nil
}
