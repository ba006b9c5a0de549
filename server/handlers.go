package server

import (
	"time"

	"go.uber.org/zap"

	"chatrelay/models"
	"chatrelay/protocol"
)

// anonymousName stands in for the sender of any envelope arriving before a
// successful register.
const anonymousName = "Anonymous"

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 500
)

func (s *Server) handleEnvelope(c *client, env any) {
	switch env := env.(type) {
	case *protocol.Register:
		s.handleRegister(c, env.Name)
	case *protocol.RequestUsers:
		s.handleRequestUsers(c)
	case *protocol.GetHistory:
		s.handleGetHistory(c, env)
	case *protocol.ChatMessage:
		s.handleMessage(c, env)
	case *protocol.FileMessage:
		s.handleFile(c, env)
	case *protocol.TelegramAuth:
		s.handleTelegramAuth(c, env)
	default:
		// Server-to-client types echoed back by a confused client: drop.
	}
}

// handleRegister binds a display name to the connection. A connection that
// registers again releases its old name first.
func (s *Server) handleRegister(c *client, requested string) {
	if c.name != "" {
		s.registry.Unregister(c.name)
		s.broadcastExcept(protocol.NewPresence(protocol.PresenceLeave, c.name), c)
	}

	final := s.registry.Register(requested, c)
	c.name = final

	if err := s.db.UpsertUser(final, nowMillis()); err != nil {
		// Durable state lags behind, the session stays live regardless.
		s.log.Error("upsert user", zap.String("name", final), zap.Error(err))
	}

	s.log.Info("registered", zap.String("name", final))

	s.deliver(c, protocol.NewRegistered(final, s.registry.Names()))
	s.broadcastExcept(protocol.NewPresence(protocol.PresenceJoin, final), c)
}

func (s *Server) handleRequestUsers(c *client) {
	s.deliver(c, protocol.NewUsers(s.registry.Names()))
}

func (s *Server) handleGetHistory(c *client, env *protocol.GetHistory) {
	limit := env.Limit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	if env.With == protocol.GlobalChat {
		messages, err := s.db.GlobalHistory(limit)
		if err != nil {
			s.log.Error("global history", zap.Error(err))
		}
		s.deliver(c, protocol.NewHistory(env.With, messages))
		return
	}

	// An unregistered caller gets an empty result, not an error.
	if c.name == "" || env.With == "" {
		s.deliver(c, protocol.NewHistory(env.With, nil))
		return
	}

	messages, err := s.db.HistoryBetween(c.name, env.With, limit)
	if err != nil {
		s.log.Error("history", zap.String("with", env.With), zap.Error(err))
	}
	s.deliver(c, protocol.NewHistory(env.With, messages))
}

func (s *Server) handleMessage(c *client, env *protocol.ChatMessage) {
	record := &models.Message{
		From: senderName(c),
		To:   normalizeRecipient(env.To),
		Text: env.Text,
		TS:   nowMillis(),
	}

	if id, err := s.db.InsertMessage(record); err != nil {
		s.log.Error("persist message", zap.Error(err))
	} else {
		record.ID = id
	}

	out := &protocol.ChatMessage{
		Type: protocol.TypeMessage,
		From: record.From,
		To:   record.To,
		Text: record.Text,
		TS:   record.TS,
	}
	s.route(out, record.From, record.To)
}

func (s *Server) handleFile(c *client, env *protocol.FileMessage) {
	filename := env.Filename
	if filename == "" {
		filename = "file"
	}
	filetype := env.Filetype
	if filetype == "" {
		filetype = "application/octet-stream"
	}

	record := &models.Message{
		From:     senderName(c),
		To:       normalizeRecipient(env.To),
		Filename: filename,
		Filetype: filetype,
		Data:     env.Data,
		TS:       nowMillis(),
	}

	if id, err := s.db.InsertMessage(record); err != nil {
		s.log.Error("persist file", zap.Error(err))
	} else {
		record.ID = id
	}

	out := &protocol.FileMessage{
		Type:     protocol.TypeFile,
		From:     record.From,
		To:       record.To,
		Filename: record.Filename,
		Filetype: record.Filetype,
		Data:     record.Data,
		TS:       record.TS,
	}
	s.route(out, record.From, record.To)
}

// route delivers a persisted message: direct messages go to the recipient's
// live session plus an echo to the sender's own session, broadcasts go to
// every live session including the sender. Delivery to a name with no live
// session is a silent no-op.
func (s *Server) route(env any, from string, to *string) {
	if to == nil {
		s.broadcastExcept(env, nil)
		return
	}

	if recipient, ok := s.registry.Get(*to); ok {
		s.deliver(recipient, env)
	}
	if sender, ok := s.registry.Get(from); ok {
		s.deliver(sender, env)
	}
}

func (s *Server) handleTelegramAuth(c *client, env *protocol.TelegramAuth) {
	if s.config.BotToken == "" {
		s.log.Warn("bot token not configured, accepting telegram claims unverified")
	} else if !VerifyTelegramClaims(env.Claims, s.config.BotToken) {
		s.log.Info("telegram auth rejected")
		s.deliver(c, &protocol.TelegramAuth{Type: protocol.TypeTelegramAuth, Status: protocol.AuthFailed})
		return
	}

	s.handleRegister(c, TelegramDisplayName(env.Claims))
	s.deliver(c, &protocol.TelegramAuth{
		Type:     protocol.TypeTelegramAuth,
		Status:   protocol.AuthOK,
		YourName: c.name,
	})
}

// handleGone finalizes a disconnected connection: unbind the name, mark the
// user offline and tell everyone left.
func (s *Server) handleGone(c *client) {
	close(c.send)

	if c.name == "" {
		s.log.Info("client disconnected")
		return
	}

	s.registry.Unregister(c.name)

	if err := s.db.SetDisconnected(c.name, nowMillis()); err != nil {
		s.log.Error("mark disconnected", zap.String("name", c.name), zap.Error(err))
	}

	s.broadcastExcept(protocol.NewPresence(protocol.PresenceLeave, c.name), nil)
	s.log.Info("client disconnected", zap.String("name", c.name))
}

func senderName(c *client) string {
	if c.name != "" {
		return c.name
	}
	return anonymousName
}

// normalizeRecipient treats an empty recipient the same as absent.
func normalizeRecipient(to *string) *string {
	if to == nil || *to == "" {
		return nil
	}
	return to
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
