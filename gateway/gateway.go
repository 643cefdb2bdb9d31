// Package gateway is the message pipeline between a chat platform and the
// conversation relay. It routes commands, inlines text attachments, appends
// user turns, triggers completion dispatch, and sends the reply back split
// to the platform's message limit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/subtle-labs/chat-relay/command"
	"github.com/subtle-labs/chat-relay/convo"
	"github.com/subtle-labs/chat-relay/dispatch"
	"github.com/subtle-labs/chat-relay/telemetry"
)

// fallbackReply is sent when dispatch exhausts every credential.
const fallbackReply = "Sorry, I could not reach the model right now. Please try again in a moment."

// inlineExtensions are attachment types whose content is folded into the
// user turn instead of being noted by name.
var inlineExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".py":   true,
	".js":   true,
	".html": true,
	".css":  true,
}

// Attachment is a file carried on an inbound message.
type Attachment struct {
	Filename string
	Size     int
	Data     []byte
}

// InboundMessage is one platform-agnostic chat message.
type InboundMessage struct {
	ChannelID   string
	AuthorID    string
	Content     string
	IsBot       bool
	Attachments []Attachment
}

// Sender delivers replies back to a channel.
type Sender interface {
	SendText(ctx context.Context, channelID, text string) error
	SendFile(ctx context.Context, channelID, filename string, data []byte) error
}

// Handler drives the inbound pipeline for every message the gateway sees.
type Handler struct {
	Store      *convo.Store
	Dispatcher *dispatch.Dispatcher
	Router     *command.Router
	Sender     Sender
	Log        *slog.Logger
}

// HandleMessage processes one inbound message end to end. A panic in any
// downstream stage is contained here so one bad message cannot take down
// the gateway loop.
func (h *Handler) HandleMessage(ctx context.Context, msg InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			h.log().Error("panic handling message",
				"channel_id", msg.ChannelID, "panic", r)
		}
	}()

	if msg.IsBot {
		return
	}

	// Correlation ID for the whole exchange; dispatch spans and logs pick
	// it up from the context.
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())

	if command.IsCommand(msg.Content) {
		h.handleCommand(ctx, msg)
		return
	}

	if !h.Store.IsActive(msg.ChannelID) {
		return
	}

	content := h.inlineAttachments(msg)
	if strings.TrimSpace(content) == "" {
		return
	}

	h.Store.Append(msg.ChannelID, convo.Turn{Role: convo.RoleUser, Content: content})

	reply, err := h.Dispatcher.Dispatch(ctx, msg.ChannelID)
	if err != nil {
		if errors.Is(err, convo.ErrEmptyContext) {
			h.send(ctx, msg.ChannelID, fallbackReply)
			return
		}
		if errors.Is(err, dispatch.ErrDispatchFailed) {
			h.log().Error("dispatch exhausted", "channel_id", msg.ChannelID, "error", err)
			h.send(ctx, msg.ChannelID, fallbackReply)
			return
		}
		h.log().Error("dispatch failed", "channel_id", msg.ChannelID, "error", err)
		return
	}

	h.deliver(ctx, msg.ChannelID, reply)
	h.Store.Append(msg.ChannelID, convo.Turn{Role: convo.RoleAssistant, Content: reply})
}

func (h *Handler) handleCommand(ctx context.Context, msg InboundMessage) {
	attachments := make([]command.Attachment, 0, len(msg.Attachments))
	for _, a := range msg.Attachments {
		attachments = append(attachments, command.Attachment{Filename: a.Filename, Data: a.Data})
	}

	cmd, err := command.Parse(msg.ChannelID, msg.AuthorID, msg.Content, attachments)
	if err != nil {
		var perr *command.ParseError
		if errors.As(err, &perr) {
			h.send(ctx, msg.ChannelID, perr.Error())
			return
		}
		h.log().Error("command parse failed", "channel_id", msg.ChannelID, "error", err)
		return
	}

	reply, err := h.Router.Execute(ctx, cmd)
	if err != nil {
		h.log().Error("command execute failed",
			"channel_id", msg.ChannelID, "command", fmt.Sprintf("%T", cmd), "error", err)
		h.send(ctx, msg.ChannelID, "Command failed, see server logs.")
		return
	}
	if reply.File != nil {
		if err := h.Sender.SendFile(ctx, msg.ChannelID, reply.File.Filename, reply.File.Data); err != nil {
			h.log().Error("send file failed", "channel_id", msg.ChannelID, "error", err)
		}
	}
	if reply.Text != "" {
		h.send(ctx, msg.ChannelID, reply.Text)
	}
}

// inlineAttachments folds readable text attachments into the message body.
// Other attachments are noted by name and size so the model knows they
// existed.
func (h *Handler) inlineAttachments(msg InboundMessage) string {
	var b strings.Builder
	b.WriteString(msg.Content)
	for _, a := range msg.Attachments {
		ext := strings.ToLower(filepath.Ext(a.Filename))
		if inlineExtensions[ext] && len(a.Data) > 0 {
			fmt.Fprintf(&b, "\n\n[attachment %s]\n%s", a.Filename, string(a.Data))
		} else {
			size := a.Size
			if size == 0 {
				size = len(a.Data)
			}
			fmt.Fprintf(&b, "\n\n[attachment %s, %d bytes, not inlined]", a.Filename, size)
		}
	}
	return b.String()
}

// deliver sends a completion reply. Fenced code blocks always go out as
// file uploads, whatever the reply length; the remaining text is chunked
// to the platform limit in order.
func (h *Handler) deliver(ctx context.Context, channelID, reply string) {
	text, blocks := ExtractCodeBlocks(reply)
	for i, block := range blocks {
		name := block.Filename(i + 1)
		if err := h.Sender.SendFile(ctx, channelID, name, []byte(block.Body)); err != nil {
			h.log().Error("send code block failed",
				"channel_id", channelID, "filename", name, "error", err)
		}
	}
	for _, part := range ChunkText(text, MaxMessageChars) {
		h.send(ctx, channelID, part)
	}
}

func (h *Handler) send(ctx context.Context, channelID, text string) {
	if err := h.Sender.SendText(ctx, channelID, text); err != nil {
		h.log().Error("send failed", "channel_id", channelID, "error", err)
	}
}

func (h *Handler) log() *slog.Logger {
	if h.Log != nil {
		return h.Log
	}
	return slog.Default()
}
