// Package context builds the message history handed to a model
// stream: the system prompt, pinned context items (using their cached
// summary when the underlying content's hash hasn't changed), and the
// turn's running message log, elided to a token budget when it grows
// too large. Grounded in
// original_source/tests/test_context_items_pinned.py's pin/summary
// independence (a summary survives being updated without touching the
// pin state) and in the teacher's session-history assembly in
// internal/agent/runtime.go.
package context

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"unicode/utf8"

	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/store"
)

// CharsPerToken approximates token count from rune count without
// pulling in a model-specific tokenizer; good enough for a soft
// elision budget rather than an exact provider limit.
const CharsPerToken = 4

// DefaultTokenBudget is the soft ceiling for a turn's built context,
// beyond which oldest non-pinned messages are dropped first.
const DefaultTokenBudget = 32_000

// responseMargin is reserved out of a model's context window for its
// own reply, on top of whatever NewBuilderForModel sizes TokenBudget
// to from ModelContextWindows.
const responseMargin = 4_000

// RawEmbedThreshold is the content length, in bytes, under which a
// pinned context item is embedded verbatim rather than summarized
// (spec.md:178).
const RawEmbedThreshold = 4_000

// Summarize returns the sha256 of content, used to decide whether a
// ContextItem's cached Summary is still valid or must be
// regenerated.
func Summarize(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ContentLoader resolves a context item's content through its opaque
// content_ref: Sandbox FS for a file item, or a registered reader for
// any other kind. A nil Loader falls back to treating ContentRef
// itself as the content.
type ContentLoader func(ctx context.Context, item *models.ContextItem) (string, error)

// Builder assembles a Message slice for a runner step. Contexts and
// Loader are optional: without a Loader, an item's ContentRef is used
// as its content; without Contexts, a summary synthesized for an
// oversized pinned item is set on the item in memory but not
// persisted, which is the behavior of a Builder built with plain
// NewBuilder.
type Builder struct {
	SystemPrompt string
	TokenBudget  int
	Loader       ContentLoader
	Contexts     store.Contexts
	Logger       *slog.Logger
}

func NewBuilder(systemPrompt string) *Builder {
	return &Builder{SystemPrompt: systemPrompt, TokenBudget: DefaultTokenBudget, Logger: slog.Default()}
}

// NewBuilderForModel sizes TokenBudget from the model's known context
// window (ModelContextWindows) minus responseMargin, instead of the
// flat DefaultTokenBudget every model would otherwise share.
func NewBuilderForModel(systemPrompt, modelName string) *Builder {
	b := NewBuilder(systemPrompt)
	if modelName == "" {
		return b
	}
	win := NewWindowForModel(modelName)
	if budget := win.Remaining() - responseMargin; budget >= MinContextWindow {
		b.TokenBudget = budget
	}
	return b
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build renders the system message, pinned context items (each
// embedded verbatim or as its summary, see renderContextItem), and
// the turn history, then
// elides oldest non-pinned turn messages until the whole thing fits
// the token budget. Pinned items are never elided: a user who pinned
// something wants it present regardless of budget pressure, mirroring
// original_source's pin/summary separation, where pinning and
// summarization are independent concerns.
func (b *Builder) Build(ctx context.Context, items []*models.ContextItem, history []models.Message) []models.Message {
	var out []models.Message
	if b.SystemPrompt != "" {
		out = append(out, models.Message{Role: "system", Text: b.SystemPrompt})
	}

	pinned := pinnedItems(items)
	for _, item := range pinned {
		out = append(out, models.Message{Role: "system", Text: b.renderContextItem(ctx, item)})
	}

	budget := b.TokenBudget
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	used := charLen(out) / CharsPerToken

	elided := elideToFit(history, budget-used)
	out = append(out, elided...)
	return out
}

func pinnedItems(items []*models.ContextItem) []*models.ContextItem {
	var pinned []*models.ContextItem
	for _, it := range items {
		if it.Pinned {
			pinned = append(pinned, it)
		}
	}
	sort.Slice(pinned, func(i, j int) bool { return pinned[i].CreatedAt.Before(pinned[j].CreatedAt) })
	return pinned
}

// renderContextItem embeds an item's content directly when it fits
// under RawEmbedThreshold, and otherwise falls back to a cached
// summary, synthesizing and caching one first if none exists yet or
// the content has changed since the cached summary was made
// (spec.md:178). Pinning and summarization stay independent: pinning
// an item never touches Summary/SummarySHA256.
func (b *Builder) renderContextItem(ctx context.Context, item *models.ContextItem) string {
	content, err := b.loadContent(ctx, item)
	if err != nil {
		b.logger().Warn("load context item content failed", "error", err, "context_item_id", item.ID)
		if item.Summary != "" {
			return "[" + item.Title + "]\n" + item.Summary
		}
		return "[" + item.Title + "] (" + item.ContentRef + ", unavailable)"
	}

	if len(content) <= RawEmbedThreshold {
		return "[" + item.Title + "]\n" + content
	}

	hash := Summarize(item.ContentRef + content)
	if item.Summary == "" || item.SummarySHA256 != hash {
		item.Summary = truncateSummary(content)
		item.SummarySHA256 = hash
		if b.Contexts != nil {
			if err := b.Contexts.UpdateContextItem(ctx, item); err != nil {
				b.logger().Warn("cache context item summary failed", "error", err, "context_item_id", item.ID)
			}
		}
	}
	return "[" + item.Title + "]\n" + item.Summary
}

func (b *Builder) loadContent(ctx context.Context, item *models.ContextItem) (string, error) {
	if b.Loader != nil {
		return b.Loader(ctx, item)
	}
	return item.ContentRef, nil
}

// truncateSummary is the deterministic synthesis spec.md:178 allows in
// place of a short LLM call: a head and tail slice of the content with
// the elided span called out, enough to orient a reader on what the
// item contains.
func truncateSummary(content string) string {
	const headLen, tailLen = 1500, 500
	if len(content) <= headLen+tailLen {
		return content
	}
	cut := len(content) - headLen - tailLen
	return content[:headLen] + fmt.Sprintf("\n... (%d bytes elided) ...\n", cut) + content[len(content)-tailLen:]
}

// elideToFit keeps the most recent messages that fit budget tokens,
// dropping oldest non-pinned/non-system messages first via Truncator,
// and always keeping at least the single most recent message so a
// turn never loses its own triggering input.
func elideToFit(history []models.Message, budgetTokens int) []models.Message {
	if len(history) == 0 {
		return nil
	}
	if budgetTokens <= 0 {
		return history[len(history)-1:]
	}

	msgs := make([]Message, len(history))
	for i, m := range history {
		msgs[i] = Message{
			Role:     m.Role,
			Content:  m.Text,
			Tokens:   EstimateTokens(m.Text),
			IsSystem: m.Role == "system",
			Index:    i,
		}
	}

	truncator := NewTruncator(TruncateOldest, budgetTokens)
	truncator.SetKeepFirst(0)
	truncator.SetKeepLast(1)
	kept, _ := truncator.Truncate(msgs)

	out := make([]models.Message, 0, len(kept))
	for _, m := range kept {
		out = append(out, history[m.Index])
	}
	return out
}

func charLen(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += utf8.RuneCountInString(m.Text)
	}
	return total
}
