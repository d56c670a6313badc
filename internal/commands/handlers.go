package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"confessbot/internal/confession"
	"confessbot/internal/ratelimit"
	"confessbot/internal/storage"
	kit "confessbot/internal/transport"
	logx "confessbot/pkg/logx"
)

type Submitter interface {
	Submit(ctx context.Context, req confession.Request) (confession.Result, error)
}

type Destinations interface {
	Subscribe(ctx context.Context, platform, groupID, channelID string) (storage.Destination, error)
	Unsubscribe(ctx context.Context, id, reason string) (bool, error)
	Lookup(ctx context.Context, platform, groupID string) (storage.Destination, bool, error)
	Count(ctx context.Context) (int, error)
}

type Store interface {
	CountSubmissions(ctx context.Context, status storage.SubmissionStatus) (int64, error)
	PutBan(ctx context.Context, b storage.Ban) error
	DeleteBan(ctx context.Context, subjectID, scope string) (bool, error)
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
}

type DelaySetting interface {
	Resolve(ctx context.Context) (time.Duration, error)
	Persist(ctx context.Context, d time.Duration) error
}

// Handlers implements the bot's commands on top of the core services.
type Handlers struct {
	Confessions  Submitter
	Destinations Destinations
	Store        Store
	Delay        DelaySetting
	// OnRemoved runs after a destination was removed by /removesetup.
	OnRemoved func(destinationID string)
	Now       func() time.Time
}

const unavailable = "Something went wrong, try again later."

func (h *Handlers) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

// Commands returns the command set served by h.
func (h *Handlers) Commands() []Command {
	return []Command{
		{
			Name:        "confess",
			Description: "Send an anonymous confession",
			Usage:       "/confess <message>",
			Args:        []kit.CommandArg{{Name: "message", Description: "Your confession", Required: true}},
			Handle:      h.confess,
		},
		{
			Name:        "setup",
			Description: "Set the confession channel for this server",
			Usage:       "/setup [channel]",
			Args:        []kit.CommandArg{{Name: "channel", Description: "Channel that receives confessions", Kind: kit.ArgChannel}},
			Access:      AccessAdmin,
			GroupOnly:   true,
			Handle:      h.setup,
		},
		{
			Name:        "removesetup",
			Description: "Disable confessions in this server",
			Access:      AccessAdmin,
			GroupOnly:   true,
			Handle:      h.removeSetup,
		},
		{
			Name:        "config",
			Description: "View this server's confession configuration",
			Access:      AccessAdmin,
			GroupOnly:   true,
			Handle:      h.config,
		},
		{
			Name:        "setdelay",
			Description: "Set the global delay between confessions (seconds)",
			Usage:       "/setdelay <seconds>",
			Args:        []kit.CommandArg{{Name: "seconds", Description: "Delay in seconds (at least 1)", Kind: kit.ArgInteger, Required: true}},
			Access:      AccessOwnerOnly,
			Handle:      h.setDelay,
		},
		{
			Name:        "stats",
			Description: "View global confession stats",
			Handle:      h.stats,
		},
		{
			Name:        "ban",
			Description: "Ban a user from confessing",
			Usage:       "/ban <user> [here|global|<origin>] [duration]",
			Args: []kit.CommandArg{
				{Name: "user", Description: "User to ban", Kind: kit.ArgUser, Required: true},
				{Name: "scope", Description: "here, global or an origin id"},
				{Name: "duration", Description: "e.g. 12h or 7d; permanent when empty"},
			},
			Access: AccessOwnerOnly,
			Handle: h.ban,
		},
		{
			Name:        "unban",
			Description: "Lift a confession ban",
			Usage:       "/unban <user> [here|global|<origin>]",
			Args: []kit.CommandArg{
				{Name: "user", Description: "User to unban", Kind: kit.ArgUser, Required: true},
				{Name: "scope", Description: "here, global or an origin id"},
			},
			Access: AccessOwnerOnly,
			Handle: h.unban,
		},
	}
}

func (h *Handlers) confess(ctx context.Context, req *Request) error {
	msg := req.Message
	if msg.Platform == kit.PlatformTelegram && msg.IsGroup {
		// Group messages show the sender; confessions go through a private chat.
		return req.Reply(ctx, "Send /confess to me in a private chat to stay anonymous.")
	}
	res, err := h.Confessions.Submit(ctx, confession.Request{
		SubjectID: req.SubjectID,
		OriginID:  req.OriginID,
		Text:      req.Text,
		Now:       h.now(),
	})
	if err != nil {
		_ = req.Reply(ctx, "Could not submit your confession right now, try again later.")
		return err
	}
	return req.Reply(ctx, res.Reason)
}

func (h *Handlers) setup(ctx context.Context, req *Request) error {
	msg := req.Message
	channel := msg.ChatID
	if msg.ThreadID != 0 {
		channel += ":" + strconv.Itoa(msg.ThreadID)
	}
	if len(req.Args) > 0 {
		channel = unwrapMention(req.Args[0])
	}
	d, err := h.Destinations.Subscribe(ctx, msg.Platform, msg.GroupID, channel)
	h.audit(ctx, req, "setup", storage.DestinationID(msg.Platform, msg.GroupID)+" -> "+channel, err)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	return req.Reply(ctx, "Confession channel set to "+channelLabel(d)+".")
}

func (h *Handlers) removeSetup(ctx context.Context, req *Request) error {
	msg := req.Message
	id := storage.DestinationID(msg.Platform, msg.GroupID)
	removed, err := h.Destinations.Unsubscribe(ctx, id, "removesetup")
	h.audit(ctx, req, "removesetup", id, err)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	if !removed {
		return req.Reply(ctx, "Confession is not set up in this server.")
	}
	if h.OnRemoved != nil {
		h.OnRemoved(id)
	}
	return req.Reply(ctx, "Confession system disabled in this server.")
}

func (h *Handlers) config(ctx context.Context, req *Request) error {
	msg := req.Message
	d, ok, err := h.Destinations.Lookup(ctx, msg.Platform, msg.GroupID)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	if !ok {
		return req.Reply(ctx, "Confession is not set up in this server.")
	}
	delay, err := h.Delay.Resolve(ctx)
	if err != nil {
		req.Logger.Warn("global delay lookup failed", logx.Err(err))
	}
	return req.Reply(ctx, fmt.Sprintf("Server Confession Config\nChannel: %s\nGlobal Delay: %d seconds",
		channelLabel(d), int64(delay/time.Second)))
}

func (h *Handlers) setDelay(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "Usage: /setdelay <seconds>")
	}
	secs, err := strconv.ParseInt(req.Args[0], 10, 64)
	if err != nil {
		return req.Reply(ctx, "Usage: /setdelay <seconds>")
	}
	// Checked before the Duration conversion, which overflows for huge values.
	if secs > int64(ratelimit.MaxGlobalDelay/time.Second) {
		return req.Reply(ctx, "Delay must be at most 3600 seconds.")
	}
	err = h.Delay.Persist(ctx, time.Duration(secs)*time.Second)
	switch {
	case errors.Is(err, ratelimit.ErrDelayTooShort):
		return req.Reply(ctx, "Delay must be at least 1 second.")
	case errors.Is(err, ratelimit.ErrDelayTooLong):
		return req.Reply(ctx, "Delay must be at most 3600 seconds.")
	}
	h.audit(ctx, req, "setdelay", strconv.FormatInt(secs, 10), err)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Global delay set to %d seconds.", secs))
}

func (h *Handlers) stats(ctx context.Context, req *Request) error {
	total, err := h.Store.CountSubmissions(ctx, "")
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	n, err := h.Destinations.Count(ctx)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	return req.Reply(ctx, fmt.Sprintf("Global Stats\nTotal Confessions: %d\nServers Connected: %d", total, n))
}

func (h *Handlers) ban(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 {
		return req.Reply(ctx, "Usage: /ban <user> [here|global|<origin>] [duration]")
	}
	subject := h.subject(req, req.Args[0])
	scope := defaultScope(req)
	var until time.Time
	for _, a := range req.Args[1:] {
		if d, err := parseBanDuration(a); err == nil {
			until = h.now().Add(d)
			continue
		}
		s, ok := parseScope(req, a)
		if !ok {
			return req.Reply(ctx, "Unknown scope or duration: "+a)
		}
		scope = s
	}
	b := storage.Ban{SubjectID: subject, Scope: scope, Until: until, CreatedAt: h.now(), Reason: "ban by " + req.SubjectID}
	err := h.Store.PutBan(ctx, b)
	h.audit(ctx, req, "ban", subject+"@"+scope, err)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	text := fmt.Sprintf("Banned %s (%s)", subject, scope)
	if !until.IsZero() {
		text += " until " + until.UTC().Format(time.RFC3339)
	}
	return req.Reply(ctx, text+".")
}

func (h *Handlers) unban(ctx context.Context, req *Request) error {
	if len(req.Args) == 0 || len(req.Args) > 2 {
		return req.Reply(ctx, "Usage: /unban <user> [here|global|<origin>]")
	}
	subject := h.subject(req, req.Args[0])
	scope := defaultScope(req)
	if len(req.Args) == 2 {
		s, ok := parseScope(req, req.Args[1])
		if !ok {
			return req.Reply(ctx, "Unknown scope: "+req.Args[1])
		}
		scope = s
	}
	removed, err := h.Store.DeleteBan(ctx, subject, scope)
	h.audit(ctx, req, "unban", subject+"@"+scope, err)
	if err != nil {
		_ = req.Reply(ctx, unavailable)
		return err
	}
	if !removed {
		return req.Reply(ctx, fmt.Sprintf("%s is not banned (%s).", subject, scope))
	}
	return req.Reply(ctx, fmt.Sprintf("Unbanned %s (%s).", subject, scope))
}

// subject qualifies a bare user id with the caller's platform.
func (h *Handlers) subject(req *Request, raw string) string {
	s := unwrapMention(raw)
	if strings.Contains(s, ":") {
		return s
	}
	return SubjectID(req.Message.Platform, s)
}

func defaultScope(req *Request) string {
	if req.Message.IsGroup {
		return req.OriginID
	}
	return storage.ScopeGlobal
}

func parseScope(req *Request, s string) (string, bool) {
	switch strings.ToLower(s) {
	case storage.ScopeGlobal:
		return storage.ScopeGlobal, true
	case "here":
		return req.OriginID, true
	}
	if strings.Contains(s, ":") {
		return s, true
	}
	return "", false
}

func (h *Handlers) audit(ctx context.Context, req *Request, action, target string, opErr error) {
	if h.Store == nil {
		return
	}
	e := storage.AuditEntry{
		At:       h.now(),
		ActorID:  req.SubjectID,
		OriginID: req.OriginID,
		Action:   action,
		Target:   target,
	}
	if opErr != nil {
		e.Error = opErr.Error()
	}
	if err := h.Store.AppendAudit(ctx, e); err != nil {
		req.Logger.Warn("audit append failed", logx.String("action", action), logx.Err(err))
	}
}

func channelLabel(d storage.Destination) string {
	if d.Platform == kit.PlatformDiscord {
		return "<#" + d.ChannelID + ">"
	}
	return d.ChannelID
}
