// ABOUTME: Context window builder that turns a session's history into budgeted LLM turns
// ABOUTME: Token estimation is a CJK-aware character heuristic, no tokenizer dependency

package contextwin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/relayd/internal/store"
)

const (
	// DefaultMaxTokens is the window budget when the caller doesn't set one.
	DefaultMaxTokens = 2000
	// DefaultWindowSize is how many recent messages are considered.
	DefaultWindowSize = 20

	// minKeptChars is the floor under which a truncated message is dropped
	// rather than included as an unreadable stub.
	minKeptChars = 10
	// truncateBuffer backs truncation off the exact budget so the estimate
	// of the shortened text stays inside it.
	truncateBuffer = 0.9
)

// Turn is one entry of a model conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options controls window construction. Zero values take the builder's
// defaults.
type Options struct {
	MaxTokens             int
	SystemPrompt          string
	WindowSize            int
	IncludeSessionSummary bool
}

// Window is the assembled context plus its estimated cost.
type Window struct {
	Turns           []Turn `json:"turns"`
	EstimatedTokens int    `json:"estimated_tokens"`
}

// Messages is the slice of the message service the builder needs.
type Messages interface {
	ListBySession(ctx context.Context, tenantID, sessionID string, filter store.MessageFilter, limit, offset int) ([]*store.Message, error)
}

// Sessions is the slice of the session service the builder needs.
type Sessions interface {
	Get(ctx context.Context, tenantID, sessionID string) (*store.Session, error)
}

// Builder assembles token-budgeted context windows from session history.
type Builder struct {
	messages Messages
	sessions Sessions
	logger   *slog.Logger
}

// NewBuilder creates a context window builder.
func NewBuilder(messages Messages, sessions Sessions, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		messages: messages,
		sessions: sessions,
		logger:   logger.With("component", "contextwin"),
	}
}

// estimateTokens approximates the token cost of a string: CJK ideographs
// count one token each, everything else four characters per token, plus a
// fixed per-message overhead.
func estimateTokens(s string) int {
	cjk, other := 0, 0
	for _, r := range s {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			other++
		}
	}
	return cjk + other/4 + 10
}

// Build assembles a context window for a session. System content is placed
// first and never evicted; history fills the remaining budget newest first
// and the result comes back in chronological order. The estimated token sum
// never exceeds MaxTokens.
func (b *Builder) Build(ctx context.Context, tenantID, sessionID string, opts Options) (*Window, error) {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}

	remaining := opts.MaxTokens
	var system []Turn

	if opts.SystemPrompt != "" {
		prompt := opts.SystemPrompt
		cost := estimateTokens(prompt)
		if cost > remaining {
			// The prompt outranks everything else; shrink it to fit rather
			// than dropping it.
			prompt = shrinkToBudget(prompt, cost, remaining)
			cost = estimateTokens(prompt)
		}
		if prompt != "" {
			system = append(system, Turn{Role: "system", Content: prompt})
			remaining -= cost
		}
	}

	if opts.IncludeSessionSummary && remaining > 0 {
		sess, err := b.sessions.Get(ctx, tenantID, sessionID)
		if err != nil {
			return nil, err
		}
		info := sessionInfo(sess)
		if cost := estimateTokens(info); cost <= remaining {
			system = append(system, Turn{Role: "system", Content: info})
			remaining -= cost
		}
	}

	// Newest first from the store; filled newest-to-oldest so the most
	// recent exchange survives a tight budget.
	msgs, err := b.messages.ListBySession(ctx, tenantID, sessionID, store.MessageFilter{}, opts.WindowSize, 0)
	if err != nil {
		return nil, fmt.Errorf("loading session history: %w", err)
	}

	var selected []Turn
	for _, msg := range msgs {
		if remaining <= 0 {
			break
		}
		content := msg.Content
		if content == "" {
			continue
		}
		cost := estimateTokens(content)
		if cost > remaining {
			content = shrinkToBudget(content, cost, remaining)
			if content == "" {
				break
			}
			selected = append(selected, Turn{Role: roleFor(msg.SenderType), Content: content})
			remaining -= estimateTokens(content)
			break
		}
		selected = append(selected, Turn{Role: roleFor(msg.SenderType), Content: content})
		remaining -= cost
	}

	// selected is newest first; flip to chronological after the system turns.
	turns := make([]Turn, 0, len(system)+len(selected))
	turns = append(turns, system...)
	for i := len(selected) - 1; i >= 0; i-- {
		turns = append(turns, selected[i])
	}

	win := &Window{
		Turns:           turns,
		EstimatedTokens: opts.MaxTokens - remaining,
	}
	b.logger.Debug("built context window",
		"session_id", sessionID,
		"turns", len(win.Turns),
		"estimated_tokens", win.EstimatedTokens)
	return win, nil
}

// shrinkToBudget truncates content proportionally to the available budget,
// backed off by truncateBuffer, and marks the cut with an ellipsis. The
// proportional cut can still overshoot because of the fixed per-message
// overhead, so the result is re-estimated and tightened until it fits.
// Returns "" when too little would survive to be worth keeping.
func shrinkToBudget(content string, estimated, remaining int) string {
	if remaining <= 0 || estimated <= 0 {
		return ""
	}
	runes := []rune(content)
	keep := int(float64(len(runes)) * float64(remaining) / float64(estimated) * truncateBuffer)
	for keep >= minKeptChars {
		if keep >= len(runes) {
			return content
		}
		candidate := string(runes[:keep]) + "..."
		if estimateTokens(candidate) <= remaining {
			return candidate
		}
		keep = keep * 9 / 10
	}
	return ""
}

// sessionInfo renders the session's metadata as a system message: who the
// user is, when the conversation started, and where it stands.
func sessionInfo(sess *store.Session) string {
	var sb strings.Builder
	sb.WriteString("Session information:\n")
	fmt.Fprintf(&sb, "- User: %s (%s)\n", sess.UserID, sess.Platform)
	fmt.Fprintf(&sb, "- Started: %s\n", sess.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "- Status: %s", sess.Status)
	if sess.AssignedStaffID != nil {
		fmt.Fprintf(&sb, "\n- Assigned staff: %s", *sess.AssignedStaffID)
	}
	return sb.String()
}

// roleFor maps message authors onto model conversation roles. End users are
// "user"; staff, bots, and system notices all speak for the platform.
func roleFor(sender store.SenderType) string {
	if sender == store.SenderUser {
		return "user"
	}
	return "assistant"
}

// Summary produces a short digest of the user's recent messages, capped at
// maxLen characters. Empty when the user hasn't said anything yet.
func (b *Builder) Summary(ctx context.Context, tenantID, sessionID string, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = 200
	}

	msgs, err := b.messages.ListBySession(ctx, tenantID, sessionID, store.MessageFilter{}, DefaultWindowSize, 0)
	if err != nil {
		return "", fmt.Errorf("loading session history: %w", err)
	}

	// Collect user messages in chronological order, newest last.
	var parts []string
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderType == store.SenderUser && msgs[i].Content != "" {
			parts = append(parts, msgs[i].Content)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}

	summary := "User recently said: " + strings.Join(parts, "; ")
	runes := []rune(summary)
	if len(runes) > maxLen {
		summary = string(runes[:maxLen]) + "..."
	}
	return summary, nil
}
