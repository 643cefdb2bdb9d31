package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/subtle-labs/chat-relay/convo"
	"github.com/subtle-labs/chat-relay/persist"
)

// Replies longer than this are sent as a file instead of inline text.
const inlineReplyLimit = 1900

// Reply is what a command execution sends back to the channel.
type Reply struct {
	Text string
	File *ReplyFile
}

// ReplyFile is a file upload accompanying a reply.
type ReplyFile struct {
	Filename string
	Data     []byte
}

// Router executes typed commands against the live store and durable storage.
type Router struct {
	Store   *convo.Store
	Persist *persist.Manager
	// Prompt is the process-wide default system prompt, refreshed when the
	// manual is updated.
	Prompt *convo.DefaultPrompt
}

// Execute runs one command and returns the user-visible reply. Validation
// failures come back as a Reply carrying the error message, not as an error;
// the error return is for storage failures the user should hear about
// generically.
func (r *Router) Execute(ctx context.Context, cmd Command) (Reply, error) {
	switch c := cmd.(type) {
	case Help:
		return Reply{Text: helpText()}, nil

	case SetPrompt:
		changed, err := r.Store.SetConfig(c.ChannelID, convo.ConfigUpdate{SystemPrompt: &c.Text})
		if err != nil {
			return r.configErrorReply(changed, err)
		}
		return Reply{Text: fmt.Sprintf("channel system prompt set (%d chars)", len(c.Text))}, nil

	case SetPinned:
		changed, err := r.Store.SetConfig(c.ChannelID, convo.ConfigUpdate{PermanentTurns: c.Turns})
		if err != nil {
			return r.configErrorReply(changed, err)
		}
		return Reply{Text: fmt.Sprintf("pinned conversation set (%d messages)", len(c.Turns))}, nil

	case Status:
		st := r.Store.ChannelStatus(c.ChannelID, r.Prompt.Get())
		return Reply{Text: statusText(st)}, nil

	case ClearRecent:
		n := r.Store.ClearRecent(c.ChannelID)
		if n == 0 {
			return Reply{Text: "nothing to clear"}, nil
		}
		return Reply{Text: fmt.Sprintf("recent conversation cleared (%d messages removed)", n)}, nil

	case SetTemperature:
		if c.Show {
			st := r.Store.ChannelStatus(c.ChannelID, "")
			return Reply{Text: fmt.Sprintf("temperature is %.2f (set with %stemp 0.0..1.0)", st.Temperature, Prefix)}, nil
		}
		changed, err := r.Store.SetConfig(c.ChannelID, convo.ConfigUpdate{Temperature: &c.Value})
		if err != nil {
			return r.configErrorReply(changed, err)
		}
		return Reply{Text: fmt.Sprintf("temperature set to %.2f", c.Value)}, nil

	case SetMaxTokens:
		if c.Show {
			st := r.Store.ChannelStatus(c.ChannelID, "")
			return Reply{Text: fmt.Sprintf("max tokens is %d (set with %stokens 1..4096)", st.MaxTokens, Prefix)}, nil
		}
		changed, err := r.Store.SetConfig(c.ChannelID, convo.ConfigUpdate{MaxTokens: &c.Value})
		if err != nil {
			return r.configErrorReply(changed, err)
		}
		return Reply{Text: fmt.Sprintf("max tokens set to %d", c.Value)}, nil

	case ManualUpdate:
		id, err := r.Persist.UpdateManual(ctx, c.Text, c.Author)
		if err != nil {
			return Reply{}, fmt.Errorf("update manual: %w", err)
		}
		r.Prompt.Set(c.Text)
		return Reply{Text: fmt.Sprintf("manual updated (version %d)", id)}, nil

	case ManualShow:
		content, ok, err := r.Persist.CurrentManual(ctx)
		if err != nil {
			return Reply{}, fmt.Errorf("load manual: %w", err)
		}
		if !ok {
			return Reply{Text: "no manual registered yet"}, nil
		}
		if len(content) > inlineReplyLimit {
			return Reply{
				Text: "current manual:",
				File: &ReplyFile{Filename: "current_manual.txt", Data: []byte(content)},
			}, nil
		}
		return Reply{Text: "current manual:\n```\n" + content + "\n```"}, nil

	case ManualHistory:
		versions, err := r.Persist.ManualHistory(ctx, c.Limit)
		if err != nil {
			return Reply{}, fmt.Errorf("load manual history: %w", err)
		}
		if len(versions) == 0 {
			return Reply{Text: "no manual versions yet"}, nil
		}
		var b strings.Builder
		b.WriteString("recent manual versions:\n")
		for _, v := range versions {
			mark := "  "
			if v.IsCurrent {
				mark = "* "
			}
			fmt.Fprintf(&b, "%sversion %d by %s at %s\n", mark, v.ID, v.UpdatedBy, v.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return Reply{Text: strings.TrimRight(b.String(), "\n")}, nil

	case SetActive:
		r.Store.SetActive(c.ChannelID, c.Active)
		if _, err := r.Store.SetConfig(c.ChannelID, convo.ConfigUpdate{IsActive: &c.Active}); err != nil {
			slog.Warn("persisting active flag failed", slog.String("channel", c.ChannelID), slog.Any("err", err))
		}
		if c.Active {
			return Reply{Text: "relay activated for this channel"}, nil
		}
		return Reply{Text: "relay deactivated for this channel"}, nil

	default:
		return Reply{}, fmt.Errorf("unhandled command type %T", cmd)
	}
}

// configErrorReply maps a SetConfig failure to either a user-visible
// validation message or a storage error. applied tells whether the in-memory
// update went through (a persistence failure after a successful update is
// reported but not fatal to the conversation).
func (r *Router) configErrorReply(applied bool, err error) (Reply, error) {
	if errors.Is(err, convo.ErrValidation) {
		return Reply{Text: err.Error()}, nil
	}
	if applied {
		slog.Warn("config applied in memory but not persisted", slog.Any("err", err))
		return Reply{Text: "setting applied, but saving it for restarts failed"}, nil
	}
	return Reply{}, err
}

func statusText(st convo.Status) string {
	state := "active"
	if !st.Active {
		state = "inactive"
	}
	prompt := "default"
	if st.PromptOverridden {
		prompt = "channel override"
	}
	return fmt.Sprintf(
		"relay is %s in this channel\n- system prompt: %s (%d chars)\n- pinned messages: %d\n- recent messages: %d\n- temperature: %.2f\n- max tokens: %d",
		state, prompt, st.PromptChars, st.PermanentTurns, st.RecentTurns, st.Temperature, st.MaxTokens)
}

func helpText() string {
	return strings.Join([]string{
		"available commands:",
		Prefix + "setup prompt (txt attachment) - set channel system prompt",
		Prefix + "setup initial (json attachment) - set pinned conversation",
		Prefix + "setup status - show channel context",
		Prefix + "setup clear - clear recent conversation",
		Prefix + "temp [0.0-1.0] - show or set temperature",
		Prefix + "tokens [1-4096] - show or set max output tokens",
		Prefix + "manual update (txt attachment) - register a new manual",
		Prefix + "manual show - show the current manual",
		Prefix + "manual history - list recent manual versions",
		Prefix + "status - show relay status",
		Prefix + "activate / " + Prefix + "deactivate - toggle responses",
	}, "\n")
}
