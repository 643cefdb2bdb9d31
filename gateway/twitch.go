package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

// TwitchGateway binds the message pipeline to Twitch IRC. One process joins
// a fixed set of channels; each channel maps to its own conversation.
type TwitchGateway struct {
	Handler  *Handler
	Username string
	OAuth    string
	Channels []string

	client *twitch.Client
	// say is the outbound write, settable in tests; Run points it at the
	// IRC client.
	say func(channel, text string)
}

// Run connects to Twitch chat and blocks until the context is cancelled or
// the connection fails.
func (g *TwitchGateway) Run(ctx context.Context) error {
	if g.Username == "" || g.OAuth == "" || len(g.Channels) == 0 {
		slog.Info("twitch creds not set; gateway disabled")
		<-ctx.Done()
		return nil
	}

	g.client = twitch.NewClient(g.Username, g.OAuth)
	g.say = g.client.Say
	g.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		g.Handler.HandleMessage(ctx, InboundMessage{
			ChannelID: strings.ToLower(msg.Channel),
			AuthorID:  msg.User.Name,
			Content:   msg.Message,
			IsBot:     strings.EqualFold(msg.User.Name, g.Username),
		})
	})
	g.client.OnConnect(func() {
		slog.Info("twitch chat connected", slog.Int("channels", len(g.Channels)))
	})

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		g.client.Disconnect()
		close(done)
	}()

	for _, ch := range g.Channels {
		g.client.Join(strings.ToLower(ch))
	}
	err := g.client.Connect()
	select {
	case <-done:
		// Shutdown path, the disconnect error is expected.
		return nil
	default:
	}
	if err != nil {
		return fmt.Errorf("twitch chat connect: %w", err)
	}
	return nil
}

// SendText posts a message to a channel.
func (g *TwitchGateway) SendText(_ context.Context, channelID, text string) error {
	if g.say == nil {
		return fmt.Errorf("twitch gateway not connected")
	}
	g.say(channelID, text)
	return nil
}

// SendFile delivers a file's content over chat. IRC has no uploads, so the
// body is announced by name and sent as ordinary chunked messages.
func (g *TwitchGateway) SendFile(ctx context.Context, channelID, filename string, data []byte) error {
	if err := g.SendText(ctx, channelID, fmt.Sprintf("[file %s]", filename)); err != nil {
		return err
	}
	for _, part := range ChunkText(string(data), MaxMessageChars) {
		if err := g.SendText(ctx, channelID, part); err != nil {
			return err
		}
	}
	return nil
}
