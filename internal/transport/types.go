// Package transport defines how the bot talks to chat platforms: inbound
// commands arrive as Updates, outbound confessions leave through a Sender.
package transport

import (
	"context"

	"confessbot/internal/storage"
)

const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// Destination is a subscribed delivery target.
type Destination = storage.Destination

// Message is an inbound command normalized across platforms.
//
// Text always has the "/name args..." shape. Discord slash command options
// are flattened into it in declaration order.
type Message struct {
	Platform     string
	ChatID       string // chat or channel the command was issued in
	ThreadID     int    // telegram forum topic (0 if none)
	GroupID      string // telegram group or discord guild; empty in private chats
	FromID       string
	FromUsername string
	Text         string
	IsGroup      bool
}

// Replier answers the user who sent a Message.
type Replier interface {
	Reply(ctx context.Context, text string) error
}

type ReplyFunc func(ctx context.Context, text string) error

func (f ReplyFunc) Reply(ctx context.Context, text string) error { return f(ctx, text) }

// AdminFunc reports whether the sender may manage the group the message came from.
type AdminFunc func(ctx context.Context) (bool, error)

type Update struct {
	Message *Message
	Reply   Replier
	IsAdmin AdminFunc
}

// Sender delivers text to one destination. Returned errors are classified
// with faults.Classify; an unclassified error counts as transient.
type Sender interface {
	Send(ctx context.Context, d Destination, text string) error
}

// Adapter is one platform connection.
type Adapter interface {
	Sender
	Platform() string
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
	// Args names the positional arguments, used by platforms with typed options.
	Args []CommandArg
}

type ArgKind int

const (
	ArgString ArgKind = iota
	ArgInteger
	ArgChannel
	ArgUser
)

type CommandArg struct {
	Name        string
	Description string
	Kind        ArgKind
	Required    bool
}

// CommandMenuUpdater is an optional interface that adapters implement to
// publish the command list to the platform (Telegram menu, Discord slash commands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
