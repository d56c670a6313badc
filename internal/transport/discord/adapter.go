package discord

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"golang.org/x/time/rate"

	"confessbot/internal/faults"
	rtsup "confessbot/internal/runtime/supervisor"
	kit "confessbot/internal/transport"
	logx "confessbot/pkg/logx"
)

const textLimit = 2000

type Config struct {
	Token string
	// GuildIDs limits slash command registration; empty registers globally.
	GuildIDs   []string
	RatePerSec int
}

// Adapter is the Discord intake (slash commands) and delivery channel.
type Adapter struct {
	cfg Config
	log logx.Logger

	s       *discordgo.Session
	limiter *rate.Limiter
	out     atomic.Value // stores (chan<- kit.Update)

	runMu   sync.Mutex
	running bool
	sup     *rtsup.Supervisor
	detach  func()

	droppedUpdates uint64

	menuMu   sync.Mutex
	menuHash uint64
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("discord token is empty")
	}
	if !strings.HasPrefix(token, "Bot ") {
		token = "Bot " + token
	}
	s, err := discordgo.New(token)
	if err != nil {
		return nil, err
	}
	s.Identify.Intents = discordgo.IntentsGuilds
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 40
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log.With(logx.String("comp", "discord")),
		s:       s,
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	return a, nil
}

func (a *Adapter) Platform() string { return kit.PlatformDiscord }

func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context, out chan<- kit.Update) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.out.Store(out)
	a.detach = a.s.AddHandler(a.onInteraction)
	if err := a.s.Open(); err != nil {
		a.detach()
		a.detach = nil
		a.runMu.Unlock()
		return fmt.Errorf("discord open: %w", err)
	}
	a.running = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(false))
	sup := a.sup
	a.runMu.Unlock()

	a.log.Info("gateway connected")
	sup.Go0("updates.drop_report", func(c context.Context) {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-ticker.C:
				if n := atomic.SwapUint64(&a.droppedUpdates, 0); n > 0 {
					a.log.Warn("incoming interactions dropped (channel full)", logx.Uint64("count", n))
				}
			}
		}
	})
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	detach := a.detach
	a.detach = nil
	var nilOut chan<- kit.Update
	a.out.Store(nilOut)
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if detach != nil {
		detach()
	}
	if sup != nil {
		sup.Cancel()
		_ = sup.Wait(ctx)
	}
	if err := a.s.Close(); err != nil {
		a.log.Warn("discord close failed", logx.Err(err))
	}
	a.log.Info("gateway closed")
	return nil
}

func (a *Adapter) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	// Ack within Discord's 3s window; the answer is sent later as an
	// ephemeral follow-up so confessors stay anonymous.
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
	})
	if err != nil {
		a.log.Warn("interaction ack failed", logx.Err(err))
		return
	}
	up, ok := toUpdate(i.Interaction, func(ctx context.Context, text string) error {
		_, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content:         truncate(text, textLimit),
			Flags:           discordgo.MessageFlagsEphemeral,
			AllowedMentions: noMentions(),
		}, discordgo.WithContext(ctx))
		return err
	})
	if !ok {
		return
	}
	out, _ := a.out.Load().(chan<- kit.Update)
	if out == nil {
		return
	}
	select {
	case out <- up:
	default:
		atomic.AddUint64(&a.droppedUpdates, 1)
		_, _ = s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{
			Content: "Busy, try again.",
			Flags:   discordgo.MessageFlagsEphemeral,
		})
	}
}

// toUpdate flattens a slash command into the "/name args..." text protocol.
func toUpdate(in *discordgo.Interaction, reply kit.ReplyFunc) (kit.Update, bool) {
	user := in.User
	if in.Member != nil && in.Member.User != nil {
		user = in.Member.User
	}
	if user == nil {
		return kit.Update{}, false
	}
	data := in.ApplicationCommandData()
	parts := []string{"/" + data.Name}
	for _, o := range data.Options {
		if v := optionText(o); v != "" {
			parts = append(parts, v)
		}
	}
	msg := &kit.Message{
		Platform:     kit.PlatformDiscord,
		ChatID:       in.ChannelID,
		GroupID:      in.GuildID,
		FromID:       user.ID,
		FromUsername: user.Username,
		Text:         strings.Join(parts, " "),
		IsGroup:      in.GuildID != "",
	}
	var perms int64
	if in.Member != nil {
		perms = in.Member.Permissions
	}
	return kit.Update{
		Message: msg,
		Reply:   reply,
		IsAdmin: func(context.Context) (bool, error) {
			return msg.IsGroup && perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0, nil
		},
	}, true
}

func optionText(o *discordgo.ApplicationCommandInteractionDataOption) string {
	if o == nil || o.Value == nil {
		return ""
	}
	switch o.Type {
	case discordgo.ApplicationCommandOptionChannel:
		return "<#" + o.ChannelValue(nil).ID + ">"
	case discordgo.ApplicationCommandOptionUser:
		return "<@" + fmt.Sprint(o.Value) + ">"
	case discordgo.ApplicationCommandOptionInteger:
		return strconv.FormatInt(o.IntValue(), 10)
	case discordgo.ApplicationCommandOptionString:
		return o.StringValue()
	default:
		return fmt.Sprint(o.Value)
	}
}

// Send posts text to the destination channel with mentions disabled.
func (a *Adapter) Send(ctx context.Context, d kit.Destination, text string) error {
	channelID := strings.TrimSpace(d.ChannelID)
	if channelID == "" {
		return faults.Permanent(errors.New("destination has no channel"))
	}
	for _, chunk := range kit.SplitText(text, textLimit) {
		if err := a.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := a.s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content:         chunk,
			AllowedMentions: noMentions(),
		}, discordgo.WithContext(ctx))
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// UpdateMenuCommands overwrites the application's slash commands when the
// list changed.
func (a *Adapter) UpdateMenuCommands(ctx context.Context, cmds []kit.BotCommand) error {
	a.menuMu.Lock()
	defer a.menuMu.Unlock()

	appCmds := ApplicationCommands(cmds)
	h := fnv.New64a()
	for _, c := range appCmds {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		for _, o := range c.Options {
			h.Write([]byte(o.Name))
			h.Write([]byte{byte(o.Type)})
		}
	}
	sum := h.Sum64()
	if sum == a.menuHash {
		return nil
	}
	if a.s.State == nil || a.s.State.User == nil {
		return errors.New("discord session not ready")
	}
	appID := a.s.State.User.ID
	guilds := a.cfg.GuildIDs
	if len(guilds) == 0 {
		guilds = []string{""}
	}
	for _, g := range guilds {
		if _, err := a.s.ApplicationCommandBulkOverwrite(appID, g, appCmds, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord register commands (guild=%q): %w", g, err)
		}
	}
	a.menuHash = sum
	a.log.Info("slash commands updated", logx.Int("count", len(appCmds)), logx.Int("guilds", len(guilds)))
	return nil
}

// ApplicationCommands converts the bot command list into slash command definitions.
func ApplicationCommands(cmds []kit.BotCommand) []*discordgo.ApplicationCommand {
	out := make([]*discordgo.ApplicationCommand, 0, len(cmds))
	for _, c := range cmds {
		if c.Command == "" {
			continue
		}
		ac := &discordgo.ApplicationCommand{
			Name:        c.Command,
			Description: truncate(orDefault(c.Description, c.Command), 100),
		}
		for _, arg := range c.Args {
			ac.Options = append(ac.Options, &discordgo.ApplicationCommandOption{
				Type:        optionType(arg.Kind),
				Name:        arg.Name,
				Description: truncate(orDefault(arg.Description, arg.Name), 100),
				Required:    arg.Required,
			})
		}
		out = append(out, ac)
	}
	return out
}

func optionType(k kit.ArgKind) discordgo.ApplicationCommandOptionType {
	switch k {
	case kit.ArgInteger:
		return discordgo.ApplicationCommandOptionInteger
	case kit.ArgChannel:
		return discordgo.ApplicationCommandOptionChannel
	case kit.ArgUser:
		return discordgo.ApplicationCommandOptionUser
	default:
		return discordgo.ApplicationCommandOptionString
	}
}

// noMentions keeps confessions and replies from pinging anyone.
func noMentions() *discordgo.MessageAllowedMentions {
	return &discordgo.MessageAllowedMentions{Parse: []discordgo.AllowedMentionType{}}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}

func truncate(s string, n int) string {
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return string(rs[:n])
}
