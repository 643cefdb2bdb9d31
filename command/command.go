// Package command turns raw "!"-prefixed chat lines into typed commands and
// executes them against the conversation store and persistence manager.
// Each command is its own variant; the router has one handler per variant.
package command

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/subtle-labs/chat-relay/convo"
)

// Prefix marks a chat line as a command rather than conversation input.
const Prefix = "!"

// minDocumentChars rejects prompt/manual uploads that are too short to be a
// real document.
const minDocumentChars = 10

// Attachment is a decoded file attached to a command message.
type Attachment struct {
	Filename string
	Data     []byte
}

// Command is one typed action. Exactly the variants below exist.
type Command interface{ isCommand() }

type (
	// SetPrompt replaces the channel's system prompt from a txt attachment.
	SetPrompt struct {
		ChannelID string
		Text      string
	}
	// SetPinned replaces the channel's permanent turns from a JSON attachment.
	SetPinned struct {
		ChannelID string
		Turns     []convo.Turn
	}
	// Status reports the channel's context summary.
	Status struct{ ChannelID string }
	// ClearRecent empties the channel's rolling window.
	ClearRecent struct{ ChannelID string }
	// SetTemperature updates the sampling temperature; Show reports instead.
	SetTemperature struct {
		ChannelID string
		Value     float64
		Show      bool
	}
	// SetMaxTokens updates the output token cap; Show reports instead.
	SetMaxTokens struct {
		ChannelID string
		Value     int
		Show      bool
	}
	// ManualUpdate registers a new current manual document.
	ManualUpdate struct {
		Author string
		Text   string
	}
	// ManualShow replies with the current manual content.
	ManualShow struct{}
	// ManualHistory lists recent manual versions.
	ManualHistory struct{ Limit int }
	// SetActive toggles whether the relay responds in this channel.
	SetActive struct {
		ChannelID string
		Active    bool
	}
	// Help lists available commands.
	Help struct{}
)

func (SetPrompt) isCommand()      {}
func (SetPinned) isCommand()      {}
func (Status) isCommand()         {}
func (ClearRecent) isCommand()    {}
func (SetTemperature) isCommand() {}
func (SetMaxTokens) isCommand()   {}
func (ManualUpdate) isCommand()   {}
func (ManualShow) isCommand()     {}
func (ManualHistory) isCommand()  {}
func (SetActive) isCommand()      {}
func (Help) isCommand()           {}

// ParseError is a user-facing parse or validation failure; its message is
// sent back to the channel verbatim.
type ParseError struct{ Msg string }

func (e *ParseError) Error() string { return e.Msg }

func parseErrf(format string, args ...any) error {
	return &ParseError{Msg: fmt.Sprintf(format, args...)}
}

// IsCommand reports whether a chat line addresses the command layer.
func IsCommand(text string) bool { return strings.HasPrefix(text, Prefix) }

// Parse turns a command line plus decoded attachments into a typed command.
func Parse(channelID, authorID, text string, attachments []Attachment) (Command, error) {
	fields := strings.Fields(strings.TrimPrefix(text, Prefix))
	if len(fields) == 0 {
		return nil, parseErrf("empty command; try %shelp", Prefix)
	}
	name, args := strings.ToLower(fields[0]), fields[1:]

	switch name {
	case "help":
		return Help{}, nil

	case "status":
		return Status{ChannelID: channelID}, nil

	case "setup":
		return parseSetup(channelID, args, attachments)

	case "temp":
		if len(args) == 0 {
			return SetTemperature{ChannelID: channelID, Show: true}, nil
		}
		v, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return nil, parseErrf("not a valid number; example: %stemp 0.7", Prefix)
		}
		return SetTemperature{ChannelID: channelID, Value: v}, nil

	case "tokens":
		if len(args) == 0 {
			return SetMaxTokens{ChannelID: channelID, Show: true}, nil
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return nil, parseErrf("not a valid integer; example: %stokens 4000", Prefix)
		}
		return SetMaxTokens{ChannelID: channelID, Value: v}, nil

	case "manual":
		return parseManual(authorID, args, attachments)

	case "activate":
		return SetActive{ChannelID: channelID, Active: true}, nil

	case "deactivate":
		return SetActive{ChannelID: channelID, Active: false}, nil

	default:
		return nil, parseErrf("unknown command %q; try %shelp", name, Prefix)
	}
}

func parseSetup(channelID string, args []string, attachments []Attachment) (Command, error) {
	if len(args) == 0 {
		return nil, parseErrf("usage: %ssetup prompt (txt attachment) | %ssetup initial (json attachment) | %ssetup status | %ssetup clear",
			Prefix, Prefix, Prefix, Prefix)
	}
	switch strings.ToLower(args[0]) {
	case "prompt":
		text, err := textAttachment(attachments, ".txt")
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(text)) < minDocumentChars {
			return nil, parseErrf("prompt content is too short")
		}
		return SetPrompt{ChannelID: channelID, Text: text}, nil

	case "initial":
		text, err := textAttachment(attachments, ".json")
		if err != nil {
			return nil, err
		}
		var turns []convo.Turn
		if err := json.Unmarshal([]byte(text), &turns); err != nil {
			return nil, parseErrf("not valid JSON")
		}
		if len(turns) == 0 {
			return nil, parseErrf("expected a non-empty JSON array of {role, content} messages")
		}
		for _, turn := range turns {
			if turn.Role != convo.RoleUser && turn.Role != convo.RoleAssistant {
				return nil, parseErrf("message roles must be %q or %q", convo.RoleUser, convo.RoleAssistant)
			}
			if turn.Content == "" {
				return nil, parseErrf("every message needs a content field")
			}
		}
		return SetPinned{ChannelID: channelID, Turns: turns}, nil

	case "status":
		return Status{ChannelID: channelID}, nil

	case "clear":
		return ClearRecent{ChannelID: channelID}, nil

	default:
		return nil, parseErrf("unknown setup action %q", args[0])
	}
}

func parseManual(authorID string, args []string, attachments []Attachment) (Command, error) {
	if len(args) == 0 {
		return nil, parseErrf("usage: %smanual update (txt attachment) | %smanual show | %smanual history",
			Prefix, Prefix, Prefix)
	}
	switch strings.ToLower(args[0]) {
	case "update":
		text, err := textAttachment(attachments, ".txt")
		if err != nil {
			return nil, err
		}
		if len(strings.TrimSpace(text)) < minDocumentChars {
			return nil, parseErrf("manual content is too short")
		}
		return ManualUpdate{Author: authorID, Text: text}, nil

	case "show":
		return ManualShow{}, nil

	case "history":
		return ManualHistory{Limit: 5}, nil

	default:
		return nil, parseErrf("unknown manual action %q", args[0])
	}
}

func textAttachment(attachments []Attachment, ext string) (string, error) {
	if len(attachments) == 0 {
		return "", parseErrf("please attach a %s file", ext)
	}
	a := attachments[0]
	if !strings.HasSuffix(strings.ToLower(a.Filename), ext) {
		return "", parseErrf("only %s files are accepted", ext)
	}
	return string(a.Data), nil
}
