// Package commands routes platform-neutral "/name args..." updates to handlers.
package commands

import (
	"context"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "confessbot/internal/runtime/supervisor"
	kit "confessbot/internal/transport"
	logx "confessbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	// AccessAdmin requires a group administrator (or an owner).
	AccessAdmin
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Args        []kit.CommandArg
	Access      Access
	// GroupOnly commands are refused in direct messages.
	GroupOnly bool
	Timeout   time.Duration
	Handle    HandlerFunc
}

// Request is one routed command invocation.
type Request struct {
	Message *kit.Message
	Update  kit.Update
	Command string
	// Text is everything after the command name, unparsed.
	Text string
	Args []string

	// SubjectID and OriginID are platform-qualified ("discord:123").
	SubjectID string
	OriginID  string

	ReqID  string
	Logger logx.Logger
}

func (r *Request) Reply(ctx context.Context, text string) error {
	if r.Update.Reply == nil {
		return nil
	}
	return r.Update.Reply.Reply(ctx, text)
}

// Manager dispatches updates on a bounded worker pool.
type Manager struct {
	mu       sync.RWMutex
	commands map[string]Command
	owners   map[string]map[string]bool // platform -> user id

	log      logx.Logger
	menus    []kit.CommandMenuUpdater
	timeout  time.Duration
	workers  int
	runMu    sync.Mutex
	running  bool
	sup      *rtsup.Supervisor
	jobs     chan func(context.Context)
	jobsOnce sync.Once
}

func NewManager(log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	return &Manager{
		commands: map[string]Command{},
		owners:   map[string]map[string]bool{},
		log:      log.With(logx.String("comp", "commands")),
		timeout:  15 * time.Second,
		workers:  workers,
		jobs:     make(chan func(context.Context), 256),
	}
}

// SetOwners replaces the owner list of one platform. Safe during hot-reload.
func (m *Manager) SetOwners(platform string, ids []string) {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	m.mu.Lock()
	m.owners[platform] = set
	m.mu.Unlock()
}

func (m *Manager) isOwner(platform, userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owners[platform][userID]
}

// AddMenuUpdater registers a platform whose command menu follows the registry.
func (m *Manager) AddMenuUpdater(u kit.CommandMenuUpdater) {
	if u == nil {
		return
	}
	m.mu.Lock()
	m.menus = append(m.menus, u)
	m.mu.Unlock()
}

// SetRegistry replaces the command set; /help is always added.
func (m *Manager) SetRegistry(cmds []Command) {
	reg := make(map[string]Command, len(cmds)+1)
	for _, c := range cmds {
		name := strings.ToLower(strings.TrimSpace(c.Name))
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		reg[name] = c
	}
	reg["help"] = Command{
		Name:        "help",
		Description: "List the available commands",
		Usage:       "/help",
		Handle: func(ctx context.Context, req *Request) error {
			return req.Reply(ctx, m.helpText(req))
		},
	}
	m.mu.Lock()
	m.commands = reg
	m.mu.Unlock()
}

// Commands returns the registry sorted by name.
func (m *Manager) Commands() []Command {
	m.mu.RLock()
	out := make([]Command, 0, len(m.commands))
	for _, c := range m.commands {
		out = append(out, c)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// MenuCommands is the registry in the shape platform menus take.
func (m *Manager) MenuCommands() []kit.BotCommand {
	cmds := m.Commands()
	out := make([]kit.BotCommand, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description, Args: c.Args})
	}
	return out
}

// PublishMenus pushes the command list to every registered platform.
func (m *Manager) PublishMenus(ctx context.Context) {
	m.mu.RLock()
	menus := append([]kit.CommandMenuUpdater(nil), m.menus...)
	m.mu.RUnlock()
	cmds := m.MenuCommands()
	for _, u := range menus {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := u.UpdateMenuCommands(cctx, cmds); err != nil {
			m.log.Warn("menu update failed", logx.Err(err))
		}
		cancel()
	}
}

func (m *Manager) Supervisor() *rtsup.Supervisor {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return nil
	}
	return m.sup
}

// Run consumes updates until ctx is done or the channel is closed.
func (m *Manager) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	m.runMu.Lock()
	m.sup, m.running = sup, true
	m.runMu.Unlock()

	m.log.Info("command dispatcher started", logx.Int("workers", m.workers), logx.Int("job_queue_cap", cap(m.jobs)))

	for i := 0; i < m.workers; i++ {
		idx := i
		sup.GoRestart("command.worker."+strconv.Itoa(idx), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job, ok := <-m.jobs:
					if !ok {
						return nil
					}
					job(c)
				}
			}
		},
			rtsup.WithRestartBackoff(200*time.Millisecond, 5*time.Second),
			rtsup.WithPublishFirstError(true),
			rtsup.WithStopOnCleanExit(true),
		)
	}

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.runMu.Unlock()
		m.jobsOnce.Do(func() { close(m.jobs) })
		wctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = sup.Wait(wctx)
		cancel()
		m.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			m.Route(ctx, up)
		}
	}
}

// Route resolves the command of up and schedules it on the worker pool.
func (m *Manager) Route(ctx context.Context, up kit.Update) {
	msg := up.Message
	if msg == nil {
		return
	}
	name, rest, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	m.mu.RLock()
	cmd, found := m.commands[name]
	m.mu.RUnlock()
	if !found {
		// Groups share the slash namespace with other bots.
		if !msg.IsGroup {
			m.reply(ctx, up, "Unknown command. Try /help.")
		}
		return
	}

	rid := newReqID()
	req := &Request{
		Message:   msg,
		Update:    up,
		Command:   name,
		Text:      rest,
		Args:      tokenize(rest),
		SubjectID: SubjectID(msg.Platform, msg.FromID),
		OriginID:  OriginID(msg),
		ReqID:     rid,
		Logger: m.log.With(
			logx.String("rid", rid),
			logx.String("cmd", name),
			logx.String("origin", OriginID(msg)),
		),
	}

	final := Chain(
		m.guard(cmd),
		MWPanicRecover(m.log),
		MWRequestLog(m.log),
		MWTimeout(orTimeout(cmd.Timeout, m.timeout)),
	)
	if !m.tryEnqueue(func(c context.Context) { _ = final(c, req) }) {
		m.reply(ctx, up, "Busy, try again.")
	}
}

func (m *Manager) guard(cmd Command) HandlerFunc {
	return func(ctx context.Context, req *Request) error {
		msg := req.Message
		if cmd.GroupOnly && !msg.IsGroup {
			return req.Reply(ctx, "This command only works in a server or group.")
		}
		switch cmd.Access {
		case AccessOwnerOnly:
			if !m.isOwner(msg.Platform, msg.FromID) {
				return req.Reply(ctx, "You are not allowed to use this command.")
			}
		case AccessAdmin:
			if m.isOwner(msg.Platform, msg.FromID) {
				break
			}
			ok := false
			if req.Update.IsAdmin != nil {
				var err error
				if ok, err = req.Update.IsAdmin(ctx); err != nil {
					req.Logger.Warn("admin check failed", logx.Err(err))
				}
			}
			if !ok {
				return req.Reply(ctx, "You need administrator permission to use this command.")
			}
		}
		return cmd.Handle(ctx, req)
	}
}

// tryEnqueue is panic-safe against the jobs channel being closed.
func (m *Manager) tryEnqueue(fn func(context.Context)) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	select {
	case m.jobs <- fn:
		return true
	default:
		return false
	}
}

func (m *Manager) reply(ctx context.Context, up kit.Update, text string) {
	if up.Reply == nil {
		return
	}
	if err := up.Reply.Reply(ctx, text); err != nil {
		m.log.Debug("reply failed", logx.Err(err))
	}
}

// SubjectID qualifies a platform user id.
func SubjectID(platform, userID string) string { return platform + ":" + userID }

// OriginID is the group a message came from, or its chat for direct messages.
func OriginID(msg *kit.Message) string {
	if msg.IsGroup && msg.GroupID != "" {
		return msg.Platform + ":" + msg.GroupID
	}
	return msg.Platform + ":" + msg.ChatID
}

func orTimeout(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
