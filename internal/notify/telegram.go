// Package notify reports finished runs to a Telegram chat and accepts a few
// commands from that chat.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/mtzanidakis/sitescope/internal/analysis"
	"github.com/mtzanidakis/sitescope/internal/config"
	"github.com/mtzanidakis/sitescope/internal/dispatcher"
	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
)

const (
	maxMessageLen = 4096
	planPreview   = 5
)

// Runs is the part of the dispatcher the bot drives.
type Runs interface {
	StartRun(ctx context.Context, sub dispatcher.Submission) (string, error)
	Status(runID string) (*dispatcher.RunStatus, error)
}

type sender interface {
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Telegram implements dispatcher.Notifier.
type Telegram struct {
	bot     *telego.Bot
	send    sender
	handler *th.BotHandler
	runs    Runs
	chatID  int64
	cancel  context.CancelFunc
}

func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: bot, send: bot, chatID: cfg.NotifyChat}, nil
}

// SetRuns enables the /analyze and /status commands. The dispatcher needs
// the notifier at construction, so the bot learns about it afterwards.
func (t *Telegram) SetRuns(r Runs) { t.runs = r }

// RunFinished posts a summary of a terminal run to the notify chat.
func (t *Telegram) RunFinished(ctx context.Context, st *dispatcher.RunStatus) {
	if t.chatID == 0 {
		return
	}
	if err := t.SendMessage(ctx, t.chatID, formatRun(st)); err != nil {
		slog.Error("failed to send run notification", "run", st.Run.ID, "error", err)
	}
}

// Start long-polls for commands until ctx is done.
func (t *Telegram) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	updates, err := t.bot.UpdatesViaLongPolling(ctx, nil)
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	handler, err := th.NewBotHandler(t.bot, updates)
	if err != nil {
		cancel()
		return fmt.Errorf("create handler: %w", err)
	}
	t.handler = handler

	handler.HandleMessage(func(hctx *th.Context, message telego.Message) error {
		t.handleMessage(ctx, message)
		return nil
	})

	go func() { _ = handler.Start() }()

	<-ctx.Done()
	_ = handler.Stop()
	return nil
}

func (t *Telegram) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Telegram) handleMessage(ctx context.Context, msg telego.Message) {
	chatID := msg.Chat.ID
	if chatID != t.chatID {
		slog.Warn("ignoring telegram message from unknown chat", "chat_id", chatID)
		return
	}
	if t.runs == nil {
		return
	}
	reply := t.command(ctx, msg.Text)
	if reply == "" {
		return
	}
	if err := t.SendMessage(ctx, chatID, reply); err != nil {
		slog.Error("failed to send telegram message", "chat", chatID, "error", err)
	}
}

// command executes one chat command and returns the reply text.
func (t *Telegram) command(ctx context.Context, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	// Commands may carry the bot name: /status@sitescope_bot
	cmd, _, _ := strings.Cut(fields[0], "@")
	args := fields[1:]

	switch cmd {
	case "/analyze":
		if len(args) == 0 {
			return "usage: /analyze <url> [kind,kind...]"
		}
		var kinds []string
		for _, k := range analysis.AllKinds {
			kinds = append(kinds, string(k))
		}
		if len(args) > 1 {
			kinds = strings.Split(args[1], ",")
		}
		id, err := t.runs.StartRun(ctx, dispatcher.Submission{Target: args[0], Kinds: kinds})
		if err != nil {
			return "cannot start run: " + err.Error()
		}
		return "started run " + id
	case "/status":
		if len(args) == 0 {
			return "usage: /status <run id>"
		}
		st, err := t.runs.Status(args[0])
		if err != nil {
			return err.Error()
		}
		return formatRun(st)
	case "/start", "/help":
		return "commands: /analyze <url> [kinds], /status <run id>"
	default:
		return ""
	}
}

func (t *Telegram) SendMessage(ctx context.Context, chatID int64, text string) error {
	for _, chunk := range chunkMessage(text, maxMessageLen) {
		if _, err := t.send.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

// formatRun renders a run status as plain text.
func formatRun(st *dispatcher.RunStatus) string {
	r := st.Run
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s for %s: %s (%s)\n", r.ID, r.Target, r.Status, st.Outcome)

	for _, k := range r.Kinds {
		v, ok := st.PerWorker[k]
		if !ok {
			continue
		}
		fmt.Fprintf(&b, "- %s: %s", k, v.Status)
		if v.Error != nil {
			fmt.Fprintf(&b, " (%s)", v.Error.Message)
		}
		b.WriteByte('\n')
	}

	if r.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", r.Error.Message)
	}

	if len(st.ActionPlan) > 0 {
		b.WriteString("\nTop actions:\n")
		for i, item := range st.ActionPlan {
			if i == planPreview {
				fmt.Fprintf(&b, "…and %d more\n", len(st.ActionPlan)-planPreview)
				break
			}
			fmt.Fprintf(&b, "%d. [%s] %s (priority %.2f)\n", i+1, item.Category, item.Title, item.Priority)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// chunkMessage splits text into pieces of at most maxLen bytes, preferring
// to cut after a newline in the second half of a piece and never cutting
// inside a UTF-8 sequence.
func chunkMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl >= maxLen/2 {
			cut = nl + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	return append(chunks, text)
}
