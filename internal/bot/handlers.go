package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"feedwatch/internal/store"
	"feedwatch/internal/subs"
)

// Subscriptions is the manager surface the command layer drives. Indexes are
// 1-based positions in the /list ordering.
type Subscriptions interface {
	Add(ctx context.Context, owner int64, url string, cadenceMin int) (store.Subscription, error)
	Remove(ctx context.Context, owner int64, index int) (store.Subscription, error)
	List(owner int64) []store.Subscription
	UpdateCadence(ctx context.Context, owner int64, index, cadenceMin int) (store.Subscription, error)
}

const helpText = `I watch feeds for you and send a message whenever something new appears.

/add - subscribe to a feed (I'll ask for the URL and how often to check)
/list - show your subscriptions
/remove <n> - unsubscribe from feed number n
/cadence <n> <minutes> - change how often feed number n is checked
/cancel - abandon a pending /add
/help - this message`

func (r *Router) registerAll() {
	r.register(Command{Name: "start", Description: "what this bot does", Handle: r.cmdHelp})
	r.register(Command{Name: "help", Description: "show help", Handle: r.cmdHelp})
	r.register(Command{Name: "add", Description: "subscribe to a feed", Handle: r.cmdAdd})
	r.register(Command{Name: "list", Description: "show your subscriptions", Handle: r.cmdList})
	r.register(Command{Name: "remove", Description: "unsubscribe", Handle: r.cmdRemove})
	r.register(Command{Name: "cadence", Description: "change a check interval", Handle: r.cmdCadence})
	r.register(Command{Name: "cancel", Description: "abandon a pending /add", Handle: r.cmdCancel})
}

func (r *Router) cmdHelp(ctx context.Context, req *Request) error {
	r.reply(ctx, req.ChatID, helpText)
	return nil
}

// cmdAdd starts the conversational flow, or takes the one-line shortcut
// "/add <url> <minutes>" when both arguments are already present.
func (r *Router) cmdAdd(ctx context.Context, req *Request) error {
	if len(req.Args) >= 2 {
		minutes, err := strconv.Atoi(req.Args[1])
		if err != nil {
			r.reply(ctx, req.ChatID, "Usage: /add <url> <minutes>")
			return nil
		}
		r.finishAdd(ctx, req.ChatID, req.Args[0], minutes)
		return nil
	}
	r.convo.begin(req.ChatID)
	r.reply(ctx, req.ChatID, "Send me the feed URL you want to follow. /cancel to abort.")
	return nil
}

func (r *Router) cmdCancel(ctx context.Context, req *Request) error {
	if r.convo.clear(req.ChatID) {
		r.reply(ctx, req.ChatID, "Cancelled.")
	} else {
		r.reply(ctx, req.ChatID, "Nothing to cancel.")
	}
	return nil
}

func (r *Router) cmdList(ctx context.Context, req *Request) error {
	list := r.subs.List(req.ChatID)
	if len(list) == 0 {
		r.reply(ctx, req.ChatID, "You have no subscriptions yet. Use /add to create one.")
		return nil
	}
	var b strings.Builder
	b.WriteString("*Your subscriptions:*\n")
	for i, sub := range list {
		fmt.Fprintf(&b, "%d. %s - every %d min\n", i+1, sub.URL, sub.CadenceMin)
	}
	r.replyMarkdown(ctx, req.ChatID, b.String())
	return nil
}

func (r *Router) cmdRemove(ctx context.Context, req *Request) error {
	if len(req.Args) != 1 {
		r.reply(ctx, req.ChatID, "Usage: /remove <number>. See /list for the numbers.")
		return nil
	}
	index, err := strconv.Atoi(req.Args[0])
	if err != nil {
		r.reply(ctx, req.ChatID, "Usage: /remove <number>. See /list for the numbers.")
		return nil
	}
	sub, err := r.subs.Remove(ctx, req.ChatID, index)
	switch {
	case errors.Is(err, subs.ErrNotFound):
		r.reply(ctx, req.ChatID, "No subscription with that number. See /list.")
	case err != nil:
		r.reply(ctx, req.ChatID, "Something went wrong, please try again.")
		return err
	default:
		r.reply(ctx, req.ChatID, fmt.Sprintf("Unsubscribed from %s.", sub.URL))
	}
	return nil
}

func (r *Router) cmdCadence(ctx context.Context, req *Request) error {
	if len(req.Args) != 2 {
		r.reply(ctx, req.ChatID, "Usage: /cadence <number> <minutes>. See /list for the numbers.")
		return nil
	}
	index, err1 := strconv.Atoi(req.Args[0])
	minutes, err2 := strconv.Atoi(req.Args[1])
	if err1 != nil || err2 != nil {
		r.reply(ctx, req.ChatID, "Usage: /cadence <number> <minutes>. See /list for the numbers.")
		return nil
	}
	sub, err := r.subs.UpdateCadence(ctx, req.ChatID, index, minutes)
	switch {
	case errors.Is(err, subs.ErrInvalidCadence):
		r.reply(ctx, req.ChatID, "The cadence must be a positive number of minutes.")
	case errors.Is(err, subs.ErrNotFound):
		r.reply(ctx, req.ChatID, "No subscription with that number. See /list.")
	case err != nil:
		r.reply(ctx, req.ChatID, "Something went wrong, please try again.")
		return err
	default:
		r.reply(ctx, req.ChatID, fmt.Sprintf("%s is now checked every %d minutes.", sub.URL, sub.CadenceMin))
	}
	return nil
}

// resumeConversation advances a pending /add with the chat's plain-text reply.
func (r *Router) resumeConversation(ctx context.Context, chatID int64, text string) {
	p, ok := r.convo.take(chatID)
	if !ok {
		return
	}
	switch p.stage {
	case stageURL:
		r.convo.resumeAt(chatID, stageCadence, subs.NormalizeURL(text))
		r.reply(ctx, chatID, "How often should I check it? Send the cadence in minutes.")
	case stageCadence:
		minutes, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			// Re-ask instead of dropping the whole conversation.
			r.convo.resumeAt(chatID, stageCadence, p.url)
			r.reply(ctx, chatID, "Please send a whole number of minutes, e.g. 30.")
			return
		}
		r.finishAdd(ctx, chatID, p.url, minutes)
	}
}

func (r *Router) finishAdd(ctx context.Context, chatID int64, url string, minutes int) {
	sub, err := r.subs.Add(ctx, chatID, url, minutes)
	switch {
	case errors.Is(err, subs.ErrInvalidCadence):
		// Keep the conversation alive so the user can correct the number.
		r.convo.resumeAt(chatID, stageCadence, url)
		r.reply(ctx, chatID, "The cadence must be a positive number of minutes. Try again.")
	case errors.Is(err, subs.ErrDuplicateSource):
		r.reply(ctx, chatID, "You're already subscribed to that feed.")
	case errors.Is(err, subs.ErrInvalidSource):
		r.reply(ctx, chatID, "That doesn't look like a reachable feed. Start over with /add.")
	case errors.Is(err, subs.ErrTooMany):
		r.reply(ctx, chatID, "You've reached the subscription limit. Remove one first with /remove.")
	case err != nil:
		r.reply(ctx, chatID, "Something went wrong, please try again.")
	default:
		r.reply(ctx, chatID, fmt.Sprintf("Subscribed to %s. I'll check it every %d minutes.", sub.URL, sub.CadenceMin))
	}
}
