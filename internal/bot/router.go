// Package bot is the Telegram command layer: it consumes transport updates,
// routes slash commands to handlers, and drives the /add conversation flow.
package bot

import (
	"context"
	"runtime"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	kit "feedwatch/internal/transport"
	logx "feedwatch/pkg/logx"
)

// handlerTimeout bounds one command execution, including the synchronous
// source probe during /add.
const handlerTimeout = 30 * time.Second

type HandlerFunc func(ctx context.Context, req *Request) error

type Command struct {
	Name        string
	Description string
	Handle      HandlerFunc
}

// Request carries one routed command invocation.
type Request struct {
	ChatID int64
	FromID int64
	Text   string
	Args   []string
	Log    logx.Logger
}

type Router struct {
	log     logx.Logger
	adapter kit.Adapter
	subs    Subscriptions

	mu       sync.RWMutex
	commands map[string]Command
	order    []string

	convo *conversations
}

func NewRouter(adapter kit.Adapter, subs Subscriptions, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		log:      log,
		adapter:  adapter,
		subs:     subs,
		commands: map[string]Command{},
		convo:    newConversations(),
	}
	r.registerAll()
	return r
}

func (r *Router) register(c Command) {
	r.mu.Lock()
	if _, exists := r.commands[c.Name]; !exists {
		r.order = append(r.order, c.Name)
	}
	r.commands[c.Name] = c
	r.mu.Unlock()
}

// MenuCommands is the command list pushed to the Telegram client menu.
func (r *Router) MenuCommands() []kit.BotCommand {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]kit.BotCommand, 0, len(r.order))
	for _, name := range r.order {
		c := r.commands[name]
		out = append(out, kit.BotCommand{Command: c.Name, Description: c.Description})
	}
	return out
}

// DispatchLoop consumes updates until ctx is done or the channel closes.
// Updates are sharded across workers by chat ID so one chat's messages are
// handled in order; a slow /add probe in one chat never stalls another.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers < 2 {
		workers = 2
	}
	shards := make([]chan kit.Update, workers)
	for i := range shards {
		shards[i] = make(chan kit.Update, 64)
	}

	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		shard := shards[i]
		go func() {
			defer wg.Done()
			for up := range shard {
				r.handleUpdate(ctx, up)
			}
		}()
	}

	defer func() {
		for _, shard := range shards {
			close(shard)
		}
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				r.log.Info("command dispatcher stopped (updates channel closed)")
				return nil
			}
			if up.Message == nil {
				continue
			}
			idx := int(uint64(up.Message.ChatID) % uint64(len(shards)))
			select {
			case shards[idx] <- up:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (r *Router) handleUpdate(ctx context.Context, up kit.Update) {
	msg := up.Message
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("panic in command handler",
				logx.Int64("chat_id", msg.ChatID),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, handlerTimeout)
	defer cancel()

	if !strings.HasPrefix(text, "/") {
		// Plain text only matters inside an /add conversation.
		r.resumeConversation(hctx, msg.ChatID, text)
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}

	r.mu.RLock()
	cmd, ok := r.commands[word]
	r.mu.RUnlock()
	if !ok {
		r.reply(hctx, msg.ChatID, "Unknown command. Try /help.")
		return
	}

	req := &Request{
		ChatID: msg.ChatID,
		FromID: msg.FromID,
		Text:   text,
		Args:   parts[1:],
		Log:    r.log.With(logx.String("cmd", word), logx.Int64("chat_id", msg.ChatID)),
	}
	if err := cmd.Handle(hctx, req); err != nil {
		req.Log.Warn("command handler failed", logx.Err(err))
	}
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		r.log.Warn("reply send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

func (r *Router) replyMarkdown(ctx context.Context, chatID int64, text string) {
	opts := &kit.SendOptions{ParseMode: "Markdown", DisablePreview: true}
	if _, err := r.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, opts); err != nil {
		r.log.Warn("reply send failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
