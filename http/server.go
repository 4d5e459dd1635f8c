package http

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bitly/go-simplejson"
	"github.com/fuad-daoud/discord-bridge/bridge"
	"github.com/fuad-daoud/discord-bridge/layers/db"
	"github.com/fuad-daoud/discord-bridge/platform"
	"github.com/google/uuid"
)

// Facade is what the handlers call into.
type Facade interface {
	BotInfo() bridge.Status
	Connect(ctx context.Context) bridge.Result
	Disconnect(ctx context.Context) bridge.Result
	Guilds() []platform.Guild
	Channels(ctx context.Context, guildId string, refresh bool) ([]platform.Channel, error)
	Messages(ctx context.Context, channelId string, limit int) ([]platform.Message, error)
	Members(ctx context.Context, guildId string, refresh bool) ([]platform.Member, error)
	SendMessage(ctx context.Context, channelId, content string) bridge.Result
	DeleteMessage(ctx context.Context, channelId, messageId string) bridge.Result
}

// MessageLog reads the archived history of a channel, deleted messages included.
type MessageLog interface {
	MessageLog(ctx context.Context, channelId string, limit int) ([]db.LoggedMessage, error)
}

type Config struct {
	Addr         string
	Prefix       string
	AdminToken   string
	MaxBodyBytes int64
	DefaultLimit int
	// MessageLog is optional; without it /message-log reports that the archive is off.
	MessageLog MessageLog
}

type Server struct {
	facade Facade
	cfg    Config
	logger *slog.Logger
	srv    *http.Server
}

func NewServer(facade Facade, cfg Config, logger *slog.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	cfg.Prefix = "/" + strings.Trim(cfg.Prefix, "/")
	if cfg.Prefix == "/" {
		cfg.Prefix = ""
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 64 << 10
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		facade: facade,
		cfg:    cfg,
		logger: logger.With("component", "http"),
	}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Serving", "addr", s.cfg.Addr, "prefix", s.cfg.Prefix)
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestId := r.Header.Get("X-Request-Id")
	if requestId == "" {
		requestId = uuid.NewString()
	}
	w.Header().Set("X-Request-Id", requestId)
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	started := time.Now()
	s.route(rec, r)
	s.logger.Debug("Request",
		"id", requestId,
		"method", r.Method,
		"path", r.URL.Path,
		"status", rec.status,
		"took", time.Since(started),
	)
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if !strings.HasPrefix(r.URL.Path, s.cfg.Prefix+"/") {
		writeJSON(w, http.StatusNotFound, bridge.Result{Error: "route not found"})
		return
	}
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, bridge.Result{Error: "unauthorized"})
		return
	}

	route := strings.TrimPrefix(r.URL.Path, s.cfg.Prefix)
	var handler http.HandlerFunc
	var method string
	switch route {
	case "/bot-info":
		method, handler = http.MethodGet, s.handleBotInfo
	case "/connect":
		method, handler = http.MethodPost, s.handleConnect
	case "/guilds":
		method, handler = http.MethodGet, s.handleGuilds
	case "/channels":
		method, handler = http.MethodGet, s.handleChannels
	case "/messages":
		method, handler = http.MethodGet, s.handleMessages
	case "/members":
		method, handler = http.MethodGet, s.handleMembers
	case "/send-message":
		method, handler = http.MethodPost, s.handleSendMessage
	case "/delete-message":
		method, handler = http.MethodPost, s.handleDeleteMessage
	case "/message-log":
		method, handler = http.MethodGet, s.handleMessageLog
	default:
		writeJSON(w, http.StatusNotFound, bridge.Result{Error: "route not found"})
		return
	}
	if r.Method != method {
		w.Header().Set("Allow", method)
		writeJSON(w, http.StatusMethodNotAllowed, bridge.Result{Error: "method not allowed"})
		return
	}
	handler(w, r)
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(s.cfg.AdminToken)) == 1
}

func (s *Server) handleBotInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.facade.BotInfo())
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	action := strings.ToLower(strings.TrimSpace(body.Get("action").MustString("connect")))
	switch action {
	case "connect":
		writeJSON(w, http.StatusOK, s.facade.Connect(r.Context()))
	case "disconnect":
		writeJSON(w, http.StatusOK, s.facade.Disconnect(r.Context()))
	default:
		writeJSON(w, http.StatusOK, bridge.Result{Error: "Unknown action: " + action})
	}
}

func (s *Server) handleGuilds(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"guilds": nonNil(s.facade.Guilds())})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channels, err := s.facade.Channels(r.Context(), q.Get("guildId"), truthy(q.Get("refresh")))
	writeList(w, "channels", nonNil(channels), err)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := s.limit(q.Get("limit"))
	if err != nil {
		writeList(w, "messages", []platform.Message{}, err)
		return
	}
	messages, err := s.facade.Messages(r.Context(), q.Get("channelId"), limit)
	writeList(w, "messages", nonNil(messages), err)
}

func (s *Server) limit(raw string) (int, error) {
	if raw == "" {
		return s.cfg.DefaultLimit, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return 0, platform.NewInvalid("limit must be a positive number")
	}
	return parsed, nil
}

func (s *Server) handleMessageLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if s.cfg.MessageLog == nil {
		writeList(w, "messages", []db.LoggedMessage{}, platform.NewInvalid("message log is not enabled"))
		return
	}
	channelId := q.Get("channelId")
	if channelId == "" {
		writeList(w, "messages", []db.LoggedMessage{}, platform.NewInvalid("channelId is required"))
		return
	}
	limit, err := s.limit(q.Get("limit"))
	if err != nil {
		writeList(w, "messages", []db.LoggedMessage{}, err)
		return
	}
	messages, err := s.cfg.MessageLog.MessageLog(r.Context(), channelId, limit)
	if err != nil {
		s.logger.Error("Could not read message log", "channel", channelId, "err", err)
		err = platform.NewTransient("failed to read message log", err)
	}
	writeList(w, "messages", nonNil(messages), err)
}

func (s *Server) handleMembers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	members, err := s.facade.Members(r.Context(), q.Get("guildId"), truthy(q.Get("refresh")))
	writeList(w, "members", nonNil(members), err)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	channelId := body.Get("channelId").MustString()
	content := body.Get("content").MustString()
	writeJSON(w, http.StatusOK, s.facade.SendMessage(r.Context(), channelId, content))
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	channelId := body.Get("channelId").MustString()
	messageId := body.Get("messageId").MustString()
	writeJSON(w, http.StatusOK, s.facade.DeleteMessage(r.Context(), channelId, messageId))
}

// readBody parses a JSON object body. An empty body reads as an empty object.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (*simplejson.Json, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := simplejson.NewFromReader(r.Body)
	if err == nil {
		if _, err = body.Map(); err == nil {
			return body, true
		}
	}
	if errors.Is(err, io.EOF) {
		return simplejson.New(), true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeJSON(w, http.StatusRequestEntityTooLarge, bridge.Result{Error: "request body too large"})
		return nil, false
	}
	writeJSON(w, http.StatusBadRequest, bridge.Result{Error: "request body must be a JSON object"})
	return nil, false
}

func writeList(w http.ResponseWriter, key string, items any, err error) {
	payload := map[string]any{key: items}
	if err != nil {
		payload["error"] = bridge.ErrorMessage(err)
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(v)
	return err == nil && b
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
