package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/ouroboros-agent/ouroboros/internal/router"
)

// TelegramChannel is the reference owner UI adapter (spec §6's "HTTP/
// WebSocket façade, a thin adapter"; Telegram is the concrete choice
// because spec.md's State snapshot names `tg_offset` literally as its UI
// cursor). It implements supervisor.UIAdapter: PollInbound pulls one
// batch of updates with the caller's adaptive timeout, Notify sends a
// message back to a chat.
//
// A message addressed to a specific task's mailbox rather than the chat
// agent is written as `#<task_id> <text>` — a convention this adapter
// owns, since neither spec.md nor original_source/server.py (whose
// Telegram bridge never demonstrates per-task addressing; every inbound
// message there goes straight to the single chat agent) specifies one.
type TelegramChannel struct {
	bot        *tgbotapi.BotAPI
	allowedIDs map[int64]struct{}
	logger     *slog.Logger

	mu     sync.Mutex
	offset int
}

// NewTelegramChannel builds a TelegramChannel, starting the update offset
// at startOffset (spec §3's `tg_offset`, restored from state on boot).
func NewTelegramChannel(token string, allowedIDs []int64, startOffset int, logger *slog.Logger) (*TelegramChannel, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram init failed: %w", err)
	}
	allowed := make(map[int64]struct{}, len(allowedIDs))
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		bot:        bot,
		allowedIDs: allowed,
		logger:     logger,
		offset:     startOffset,
	}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

// Offset returns the next update_id the adapter will request, for the
// caller to persist into state.State.TGOffset after every poll.
func (t *TelegramChannel) Offset() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// PollInbound issues one long-poll GetUpdates call bounded by timeout
// (spec §4.7 step 8: 0s in active mode, 10s in idle mode) and returns
// every accepted message as a router.InboundMessage. Updates from
// senders outside allowedIDs (when configured) are dropped and logged,
// never forwarded.
func (t *TelegramChannel) PollInbound(ctx context.Context, timeout time.Duration) ([]router.InboundMessage, error) {
	t.mu.Lock()
	offset := t.offset
	t.mu.Unlock()

	cfg := tgbotapi.NewUpdate(offset)
	cfg.Timeout = int(timeout.Seconds())

	type result struct {
		updates []tgbotapi.Update
		err     error
	}
	done := make(chan result, 1)
	go func() {
		updates, err := t.bot.GetUpdates(cfg)
		done <- result{updates: updates, err: err}
	}()

	var res result
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res = <-done:
	}
	if res.err != nil {
		return nil, fmt.Errorf("telegram GetUpdates: %w", res.err)
	}

	inbound, nextOffset := filterAndConvert(res.updates, offset, t.allowedIDs, t.logger)

	t.mu.Lock()
	t.offset = nextOffset
	t.mu.Unlock()

	return inbound, nil
}

// filterAndConvert applies the allowlist and converts accepted updates to
// router.InboundMessage, advancing offset past every update seen
// (including ones dropped by the allowlist, so a denied sender can't wedge
// the offset). Factored out of PollInbound so it can be exercised without
// a live bot connection.
func filterAndConvert(updates []tgbotapi.Update, offset int, allowedIDs map[int64]struct{}, logger *slog.Logger) ([]router.InboundMessage, int) {
	var inbound []router.InboundMessage
	for _, upd := range updates {
		if upd.UpdateID >= offset {
			offset = upd.UpdateID + 1
		}
		if upd.Message == nil || upd.Message.From == nil {
			continue
		}
		if len(allowedIDs) > 0 {
			if _, ok := allowedIDs[upd.Message.From.ID]; !ok {
				logger.Warn("telegram access denied", "user_id", upd.Message.From.ID, "user_name", upd.Message.From.UserName)
				continue
			}
		}
		msg := toInboundMessage(upd)
		if msg.Text == "" && msg.Image == "" {
			continue
		}
		inbound = append(inbound, msg)
	}
	return inbound, offset
}

// toInboundMessage converts one Telegram update into a router message,
// peeling off the `#<task_id>` mailbox-addressing prefix when present
// and taking the largest attached photo as the image reference (spec
// §4.6: "images attach only the first one encountered" — for Telegram
// that is the highest-resolution size Telegram itself sends last in the
// PhotoSize slice, so the adapter takes the slice's last entry).
func toInboundMessage(upd tgbotapi.Update) router.InboundMessage {
	msg := upd.Message
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	var taskID string
	if strings.HasPrefix(text, "#") {
		fields := strings.SplitN(text, " ", 2)
		taskID = strings.TrimPrefix(fields[0], "#")
		if len(fields) > 1 {
			text = strings.TrimSpace(fields[1])
		} else {
			text = ""
		}
	}

	var image string
	if msg.Photo != nil && len(*msg.Photo) > 0 {
		photos := *msg.Photo
		image = photos[len(photos)-1].FileID
	}

	return router.InboundMessage{
		ID:     fmt.Sprintf("%d", upd.UpdateID),
		ChatID: msg.Chat.ID,
		Text:   text,
		Image:  image,
		TaskID: taskID,
	}
}

// Notify sends text to chatID (spec §5: the UI adapter "never mutates
// queue or state directly — it submits through the router and the
// command surface"; Notify is its only outbound path).
func (t *TelegramChannel) Notify(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	_, err := t.bot.Send(msg)
	return err
}
