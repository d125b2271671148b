// Package router implements the supervisor's message router (spec §4.6,
// C6): it arbitrates between a single-consumer chat agent and bursts of
// owner messages arriving from the UI adapter.
//
// Grounded on the teacher's telegram long-poll/offset loop
// (internal/channels/telegram.go) for the producer side (batching inbound
// updates before handing them to a consumer), generalized into an
// explicit free-path/busy-path state machine the teacher's single always-
// idle chat command dispatcher never needed.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ouroboros-agent/ouroboros/internal/audit"
	"github.com/ouroboros-agent/ouroboros/internal/safety"
	"github.com/ouroboros-agent/ouroboros/internal/state"
)

// InboundMessage is one owner message arriving from the UI adapter.
type InboundMessage struct {
	ID     string
	ChatID int64
	Text   string
	Image  string
	// TaskID addresses this message to a specific task's mailbox instead
	// of the chat agent, when non-empty.
	TaskID string
}

// Dispatch is the batched or single prompt handed to the chat agent.
type Dispatch struct {
	Prompt string
	Image  string
}

// SlashCommand is a recognized supervisor command (spec §4.6).
type SlashCommand string

const (
	CmdPanic   SlashCommand = "/panic"
	CmdRestart SlashCommand = "/restart"
	CmdStatus  SlashCommand = "/status"
	CmdReview  SlashCommand = "/review"
	CmdEvolve  SlashCommand = "/evolve"
	CmdBG      SlashCommand = "/bg"
)

// terminalCommands short-circuit routing entirely: they never reach the
// chat agent.
var terminalCommands = map[SlashCommand]bool{
	CmdPanic:   true,
	CmdRestart: true,
	CmdStatus:  true,
}

// ParsedCommand is the result of parsing one message for a slash command.
type ParsedCommand struct {
	Command SlashCommand
	Arg     string // e.g. "on"/"off"/"status" for /evolve, /bg
	IsSlash bool
}

// ParseSlashCommand recognizes spec §4.6's supervisor commands. A message
// that isn't a recognized command returns IsSlash=false.
func ParseSlashCommand(text string) ParsedCommand {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return ParsedCommand{}
	}
	fields := strings.Fields(trimmed)
	cmd := SlashCommand(fields[0])
	var arg string
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch cmd {
	case CmdPanic, CmdRestart, CmdStatus, CmdReview, CmdEvolve, CmdBG:
		return ParsedCommand{Command: cmd, Arg: arg, IsSlash: true}
	default:
		return ParsedCommand{}
	}
}

// IsTerminal reports whether a recognized command short-circuits routing
// entirely, per spec §4.6.
func (p ParsedCommand) IsTerminal() bool {
	return p.IsSlash && terminalCommands[p.Command]
}

// IsDualPath reports whether a command both executes immediately and
// still forwards a note to the LLM (spec §4.6: "/review", "/evolve",
// "/bg").
func (p ParsedCommand) IsDualPath() bool {
	return p.IsSlash && !terminalCommands[p.Command]
}

// CommandHandler executes a parsed slash command and returns a short note
// to prepend to forwarded text for dual-path commands (ignored for
// terminal commands).
type CommandHandler func(ctx context.Context, cmd ParsedCommand) (note string, err error)

// Router implements spec §4.6's free-path/busy-path arbitration.
type Router struct {
	mu sync.Mutex

	agentBusy bool
	// inject is the at-most-one-pending injection channel the chat agent
	// polls between tool rounds while busy.
	inject chan InboundMessage

	batchWindow     time.Duration
	batchEarlyClose time.Duration
	commandHandlers map[SlashCommand]CommandHandler
	store           *state.Store

	// sanitizer screens owner text for prompt-injection attempts before it
	// reaches a concatenated prompt or a task mailbox (internal/safety).
	sanitizer *safety.Sanitizer
	logger    *slog.Logger
	audit     *audit.Logger
}

// Option customizes Router construction.
type Option func(*Router)

func WithCommandHandler(cmd SlashCommand, h CommandHandler) Option {
	return func(r *Router) { r.commandHandlers[cmd] = h }
}

func WithBatchWindow(window, earlyClose time.Duration) Option {
	return func(r *Router) {
		if window > 0 {
			r.batchWindow = window
		}
		if earlyClose > 0 {
			r.batchEarlyClose = earlyClose
		}
	}
}

// WithSanitizer installs a prompt-injection guard over owner text. Without
// one, Router passes text through unchecked (the default Sanitizer is
// cheap enough that callers should normally install it).
func WithSanitizer(s *safety.Sanitizer) Option {
	return func(r *Router) { r.sanitizer = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithAuditLogger records a deny/warn decision into internal/audit for
// every piece of owner text the sanitizer flags.
func WithAuditLogger(a *audit.Logger) Option {
	return func(r *Router) { r.audit = a }
}

// New constructs a Router. store is used for per-task mailbox writes.
func New(store *state.Store, opts ...Option) *Router {
	r := &Router{
		inject:          make(chan InboundMessage, 1),
		batchWindow:     1500 * time.Millisecond,
		batchEarlyClose: 150 * time.Millisecond,
		commandHandlers: make(map[SlashCommand]CommandHandler),
		store:           store,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// guard screens text through the configured sanitizer, returning the text
// to actually forward (replaced with a tagged warning on a block verdict)
// and whether the caller should log the event.
func (r *Router) guard(text string) string {
	if r.sanitizer == nil || text == "" {
		return text
	}
	result := r.sanitizer.Check(text)
	switch result.Action {
	case safety.ActionBlock:
		r.logger.Warn("router: blocked suspected prompt injection", "reason", result.Reason)
		if r.audit != nil {
			_ = r.audit.Record(audit.DecisionDeny, "owner_message", result.Reason, "")
		}
		return fmt.Sprintf("[owner message withheld: %s]", result.Reason)
	case safety.ActionWarn:
		r.logger.Info("router: suspicious owner text forwarded with a warning tag", "reason", result.Reason)
		if r.audit != nil {
			_ = r.audit.Record(audit.DecisionWarn, "owner_message", result.Reason, "")
		}
		return fmt.Sprintf("[unverified content, reason=%s] %s", result.Reason, text)
	default:
		return text
	}
}

// SetAgentBusy flips the router between the free path and the busy path.
// The supervisor loop calls this around each chat-agent invocation.
func (r *Router) SetAgentBusy(busy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentBusy = busy
}

func (r *Router) isBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentBusy
}

// RouteBatch implements the free path (spec §4.6). It blocks for the
// first inbound message (the supervisor loop only calls this once it
// knows one is available), then collects a batch window of up to
// batchWindow total, closing early after batchEarlyClose of silence once
// at least one message has arrived. Text is concatenated in arrival
// order; only the first image seen attaches. Slash commands found inside
// the window are handled inline and never enter the concatenated prompt.
// Returns (nil, nil) if nothing was left to dispatch (every message was a
// terminal command).
func (r *Router) RouteBatch(ctx context.Context, in <-chan InboundMessage) (*Dispatch, error) {
	var texts []string
	var image string

	first, ok := r.recvOrDone(ctx, in)
	if !ok {
		return nil, ctx.Err()
	}
	texts, image = r.absorb(ctx, first, texts, image)

	deadline := time.NewTimer(r.batchWindow)
	defer deadline.Stop()
	earlyClose := time.NewTimer(r.batchEarlyClose)
	defer earlyClose.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return r.finishBatch(texts, image)
		case <-earlyClose.C:
			return r.finishBatch(texts, image)
		case msg, open := <-in:
			if !open {
				return r.finishBatch(texts, image)
			}
			if !earlyClose.Stop() {
				select {
				case <-earlyClose.C:
				default:
				}
			}
			earlyClose.Reset(r.batchEarlyClose)
			texts, image = r.absorb(ctx, msg, texts, image)
		}
	}
}

func (r *Router) recvOrDone(ctx context.Context, in <-chan InboundMessage) (InboundMessage, bool) {
	select {
	case <-ctx.Done():
		return InboundMessage{}, false
	case msg, ok := <-in:
		return msg, ok
	}
}

// absorb folds one inbound message into the in-progress batch, handling
// inline slash commands, and returns the updated accumulator.
func (r *Router) absorb(ctx context.Context, msg InboundMessage, texts []string, image string) ([]string, string) {
	if parsed := ParseSlashCommand(msg.Text); parsed.IsSlash {
		note, err := r.runCommand(ctx, parsed)
		if err != nil || parsed.IsTerminal() {
			return texts, image
		}
		if note != "" {
			texts = append(texts, note)
		}
		return texts, image
	}
	texts = append(texts, r.guard(msg.Text))
	if image == "" {
		image = msg.Image
	}
	return texts, image
}

func (r *Router) finishBatch(texts []string, image string) (*Dispatch, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return &Dispatch{Prompt: strings.Join(texts, "\n"), Image: image}, nil
}

// RouteBusy implements the busy path (spec §4.6): it forwards one inbound
// message into the at-most-one-pending injection channel, replacing a
// stale unread injection rather than queueing a second one, preserving
// order since only the latest unconsumed message is ever held. Images are
// rejected with a "task in progress" notice.
func (r *Router) RouteBusy(ctx context.Context, msg InboundMessage) (rejectNotice string, err error) {
	if parsed := ParseSlashCommand(msg.Text); parsed.IsSlash {
		note, err := r.runCommand(ctx, parsed)
		if err != nil {
			return "", err
		}
		if parsed.IsTerminal() {
			return "", nil
		}
		if note != "" {
			msg.Text = note + "\n" + msg.Text
		}
	}
	if msg.Image != "" {
		msg.Image = ""
		rejectNotice = "task in progress: image attachments are not accepted while the agent is busy"
	}
	msg.Text = r.guard(msg.Text)

	select {
	case r.inject <- msg:
	default:
		// Drop the stale pending injection and replace it, preserving
		// at-most-one-per-injection and the arrival order of what the
		// agent actually sees.
		select {
		case <-r.inject:
		default:
		}
		r.inject <- msg
	}
	return rejectNotice, nil
}

// PollInjection is called by the chat agent loop between tool rounds.
// Returns ok=false if nothing is pending.
func (r *Router) PollInjection() (InboundMessage, bool) {
	select {
	case msg := <-r.inject:
		return msg, true
	default:
		return InboundMessage{}, false
	}
}

// RouteToMailbox writes an owner message into a task's append-only
// mailbox (spec §4.6 "per-task mailbox"), surviving worker restarts.
func (r *Router) RouteToMailbox(msg InboundMessage) error {
	if msg.TaskID == "" {
		return fmt.Errorf("router: message has no task_id for mailbox routing")
	}
	mb := r.store.Mailbox(msg.TaskID)
	return mb.Append(state.MailboxMessage{MsgID: msg.ID, Text: r.guard(msg.Text), Image: msg.Image})
}

func (r *Router) runCommand(ctx context.Context, cmd ParsedCommand) (string, error) {
	h, ok := r.commandHandlers[cmd.Command]
	if !ok {
		return "", nil
	}
	return h(ctx, cmd)
}
