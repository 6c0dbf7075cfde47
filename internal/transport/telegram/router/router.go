// Package router parses chat commands from incoming updates and runs their
// handlers on a small worker pool.
package router

import (
	"context"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	rtsup "guildbot/internal/runtime/supervisor"
	kit "guildbot/internal/transport"
	logx "guildbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Aliases     []string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // 0 means the router default
	Handle      HandlerFunc
}

// Sender is the chat surface the router replies through.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Request is one parsed command invocation.
type Request struct {
	Chat         kit.ChatTarget
	MessageID    int
	FromID       int64
	FromUsername string
	Command      string
	Args         []string
	// ArgText is everything after the command word, whitespace preserved.
	ArgText string
	Owner   bool
	Logger  logx.Logger

	sender Sender
}

// Reply sends text back to the chat (and thread) the command came from.
func (r *Request) Reply(ctx context.Context, text string, opt *kit.SendOptions) error {
	_, err := r.sender.SendText(ctx, r.Chat, text, opt)
	return err
}

// ReplyHTML is Reply with HTML parse mode and link previews off.
func (r *Request) ReplyHTML(ctx context.Context, text string) error {
	return r.Reply(ctx, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
}

type Options struct {
	Workers        int
	QueueSize      int
	DefaultTimeout time.Duration
	// IsOwner is consulted per command so owner changes apply without a restart.
	IsOwner func(userID int64) bool
}

type Router struct {
	log    logx.Logger
	sender Sender
	opt    Options

	mu       sync.RWMutex
	commands []Command
	index    map[string]*Command

	jobs chan func(context.Context)
}

func New(log logx.Logger, sender Sender, opt Options) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.Workers <= 0 {
		opt.Workers = max(2, runtime.NumCPU())
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = 256
	}
	if opt.DefaultTimeout <= 0 {
		opt.DefaultTimeout = 30 * time.Second
	}
	if opt.IsOwner == nil {
		opt.IsOwner = func(int64) bool { return false }
	}
	return &Router{
		log:    log,
		sender: sender,
		opt:    opt,
		index:  map[string]*Command{},
		jobs:   make(chan func(context.Context), opt.QueueSize),
	}
}

// SetCommands replaces the registry. /help is always added.
func (r *Router) SetCommands(cmds []Command) {
	cmds = append(cmds, Command{
		Name:        "help",
		Aliases:     []string{"start"},
		Description: "show available commands",
		Usage:       "/help [command]",
		Handle: func(ctx context.Context, req *Request) error {
			return req.ReplyHTML(ctx, r.helpText(req))
		},
	})

	list := make([]Command, 0, len(cmds))
	index := map[string]*Command{}
	for _, c := range cmds {
		name := sanitizeCommand(c.Name)
		if name == "" || c.Handle == nil {
			continue
		}
		c.Name = name
		list = append(list, c)
	}
	for i := range list {
		c := &list[i]
		index[c.Name] = c
		for _, a := range c.Aliases {
			if a = sanitizeCommand(a); a != "" {
				if _, taken := index[a]; !taken {
					index[a] = c
				}
			}
		}
	}

	r.mu.Lock()
	r.commands = list
	r.index = index
	r.mu.Unlock()
}

// Menu lists the registered commands for the chat client's menu.
func (r *Router) Menu() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.commands))
	for _, c := range r.commands {
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

func (r *Router) lookup(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.index[name]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Run pumps updates into the worker pool until ctx is done or updates closes.
func (r *Router) Run(ctx context.Context, updates <-chan kit.Update) error {
	sup := rtsup.New(ctx, rtsup.WithLogger(r.log), rtsup.WithCancelOnError(false))
	for i := 0; i < r.opt.Workers; i++ {
		sup.GoRestart("command.worker."+strconv.Itoa(i), func(c context.Context) error {
			for {
				select {
				case <-c.Done():
					return nil
				case job := <-r.jobs:
					job(c)
				}
			}
		})
	}
	r.log.Info("command dispatcher started", logx.Int("workers", r.opt.Workers), logx.Int("queue_cap", cap(r.jobs)))

	defer func() {
		sup.Cancel()
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Wait(wctx)
		r.log.Info("command dispatcher stopped")
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.Dispatch(ctx, up)
		}
	}
}

// Dispatch routes one update. Unknown commands get a hint; plain text is ignored.
func (r *Router) Dispatch(ctx context.Context, up kit.Update) {
	if up.Kind != kit.UpdateMessage || up.Message == nil {
		return
	}
	msg := up.Message
	word, argText, ok := splitCommand(msg.Text)
	if !ok {
		return
	}
	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}

	cmd, found := r.lookup(word)
	if !found {
		r.replyAsync(ctx, chat, "unknown command, try /help")
		return
	}
	owner := r.opt.IsOwner(msg.FromID)
	if cmd.Access == AccessOwnerOnly && !owner {
		r.replyAsync(ctx, chat, "this command is for bot owners only")
		return
	}

	req := &Request{
		Chat:         chat,
		MessageID:    msg.ID,
		FromID:       msg.FromID,
		FromUsername: msg.FromUsername,
		Command:      cmd.Name,
		Args:         strings.Fields(argText),
		ArgText:      argText,
		Owner:        owner,
		Logger:       r.log.With(logx.String("cmd", cmd.Name), logx.Int64("from_id", msg.FromID)),
		sender:       r.sender,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = r.opt.DefaultTimeout
	}
	h := Chain(cmd.Handle, MWPanicRecover(r.log), MWTimeout(timeout), MWRequestLog(r.log))

	r.enqueue(ctx, chat, func(c context.Context) {
		if err := h(c, req); err != nil {
			_ = req.Reply(c, "error: "+err.Error(), nil)
		}
	})
}

func (r *Router) replyAsync(ctx context.Context, chat kit.ChatTarget, text string) {
	r.enqueue(ctx, chat, func(c context.Context) {
		_, _ = r.sender.SendText(c, chat, text, nil)
	})
}

func (r *Router) enqueue(ctx context.Context, chat kit.ChatTarget, job func(context.Context)) {
	select {
	case r.jobs <- job:
	case <-ctx.Done():
	default:
		r.log.Warn("command dropped (queue full)", logx.Int64("chat_id", chat.ChatID), logx.Int("queue_cap", cap(r.jobs)))
	}
}

// splitCommand extracts the command word from "/word@bot rest".
func splitCommand(text string) (word, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	word, rest, _ = strings.Cut(text[1:], " ")
	if i := strings.IndexAny(word, "\n\t"); i >= 0 {
		rest = word[i+1:] + " " + rest
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	return word, strings.TrimSpace(rest), word != ""
}
