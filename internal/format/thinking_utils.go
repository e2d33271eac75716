// Package format converts between the Anthropic Messages surface and the
// upstream generateContent payloads, including thinking-block and
// tool-signature handling across model families.
package format

import (
	"slices"
	"sort"

	"github.com/poemonsense/cloudcode-relay/internal/config"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
)

// Synthetic text injected when a tool loop has to be closed before the
// upstream will accept the conversation.
const (
	interruptedToolNotice = "[Tool call was interrupted.]"
	toolLoopClosedNotice  = "[Tool execution completed.]"
	continueTurnNotice    = "[Continue]"
)

// ContentBlock is the internal working representation of a message block,
// permissive enough to hold both Anthropic and Gemini shapes.
type ContentBlock struct {
	Type             string         `json:"type,omitempty"`
	Text             string         `json:"text,omitempty"`
	Thinking         string         `json:"thinking,omitempty"`
	Signature        string         `json:"signature,omitempty"`
	ThoughtSignature string         `json:"thoughtSignature,omitempty"`
	Thought          bool           `json:"thought,omitempty"`
	ID               string         `json:"id,omitempty"`
	Name             string         `json:"name,omitempty"`
	Input            map[string]any `json:"input,omitempty"`
	ToolUseID        string         `json:"tool_use_id,omitempty"`
	Content          any            `json:"content,omitempty"`
	CacheControl     any            `json:"cache_control,omitempty"`
	Data             string         `json:"data,omitempty"`
	Source           *ImageSource   `json:"source,omitempty"`
}

// ImageSource is the source of an image or document block.
type ImageSource struct {
	Type      string `json:"type,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Message is the internal working representation of a conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content,omitempty"`
}

func textOnly(s string) []ContentBlock {
	return []ContentBlock{{Type: "text", Text: s}}
}

func isAssistantRole(role string) bool {
	return role == "assistant" || role == "model"
}

// signatureOf returns whichever signature field applies to the block's
// dialect: Gemini thought parts carry thoughtSignature, Anthropic thinking
// blocks carry signature.
func signatureOf(b ContentBlock) string {
	if b.Thought {
		return b.ThoughtSignature
	}
	return b.Signature
}

// isReasoningBlock matches every spelling of a reasoning block the two
// dialects produce.
func isReasoningBlock(b ContentBlock) bool {
	return b.Type == "thinking" || b.Type == "redacted_thinking" || b.Thought || b.Thinking != ""
}

// signedReasoning reports whether a reasoning block carries a signature
// long enough to possibly validate.
func signedReasoning(b ContentBlock) bool {
	return isReasoningBlock(b) && len(signatureOf(b)) >= config.MinSignatureLength
}

// scanBlocks reports whether any block in the conversation satisfies pred.
func scanBlocks(messages []Message, pred func(role string, b ContentBlock) bool) bool {
	for _, msg := range messages {
		for _, block := range msg.Content {
			if pred(msg.Role, block) {
				return true
			}
		}
	}
	return false
}

// CleanCacheControl strips cache_control from every content block, in
// place. The upstream rejects unknown fields, so this runs first on every
// request; downstream normalisation repeats the strip per block type.
func CleanCacheControl(messages []Message) []Message {
	stripped := 0
	for mi := range messages {
		content := messages[mi].Content
		for bi := range content {
			if content[bi].CacheControl == nil {
				continue
			}
			content[bi].CacheControl = nil
			stripped++
		}
	}
	if stripped > 0 {
		utils.Debug("[Format] Removed cache_control from %d block(s)", stripped)
	}
	return messages
}

// HasGeminiHistory reports whether the conversation contains Gemini-style
// messages (thoughtSignature on tool_use blocks).
func HasGeminiHistory(messages []Message) bool {
	return scanBlocks(messages, func(_ string, b ContentBlock) bool {
		return b.Type == "tool_use" && b.ThoughtSignature != ""
	})
}

// HasUnsignedThinkingBlocks reports whether assistant turns contain
// reasoning blocks that will be dropped for lack of a signature.
func HasUnsignedThinkingBlocks(messages []Message) bool {
	return scanBlocks(messages, func(role string, b ContentBlock) bool {
		return isAssistantRole(role) && isReasoningBlock(b) && !signedReasoning(b)
	})
}

// normalizeBlock rewrites a block down to the fields its type is allowed
// to carry; everything else has leaked in from clients echoing responses.
func normalizeBlock(b ContentBlock) ContentBlock {
	switch b.Type {
	case "thinking":
		return ContentBlock{Type: "thinking", Thinking: b.Thinking, Signature: b.Signature}
	case "redacted_thinking":
		return ContentBlock{Type: "redacted_thinking", Data: b.Data}
	case "text":
		return ContentBlock{Type: "text", Text: b.Text}
	case "tool_use":
		return ContentBlock{
			Type:             "tool_use",
			ID:               b.ID,
			Name:             b.Name,
			Input:            b.Input,
			ThoughtSignature: b.ThoughtSignature,
		}
	}
	return b
}

// RestoreThinkingSignatures drops thinking blocks without a usable
// signature and normalises the rest.
func RestoreThinkingSignatures(content []ContentBlock) []ContentBlock {
	kept := make([]ContentBlock, 0, len(content))
	for _, block := range content {
		switch {
		case block.Type != "thinking":
			kept = append(kept, block)
		case len(block.Signature) >= config.MinSignatureLength:
			kept = append(kept, normalizeBlock(block))
		}
	}
	if dropped := len(content) - len(kept); dropped > 0 {
		utils.Debug("[Format] Dropped %d unsigned thinking block(s)", dropped)
	}
	return kept
}

// RemoveTrailingThinkingBlocks trims unsigned reasoning blocks off the end
// of an assistant turn, stopping at the first signed one or at any other
// block type.
func RemoveTrailingThinkingBlocks(content []ContentBlock) []ContentBlock {
	end := len(content)
	for end > 0 {
		last := content[end-1]
		if !isReasoningBlock(last) || signedReasoning(last) {
			break
		}
		end--
	}
	if end < len(content) {
		utils.Debug("[Format] Removed %d trailing unsigned thinking block(s)", len(content)-end)
	}
	return content[:end]
}

// blockRank orders an assistant turn for the upstream: reasoning must
// lead when thinking is enabled, and tool_use must immediately precede
// the following tool_result turn.
func blockRank(b ContentBlock) int {
	switch b.Type {
	case "thinking", "redacted_thinking":
		return 0
	case "tool_use":
		return 2
	default:
		return 1
	}
}

// ReorderAssistantContent normalises an assistant turn and sorts it
// reasoning-first, tool_use-last, dropping empty text along the way.
func ReorderAssistantContent(content []ContentBlock) []ContentBlock {
	ordered := make([]ContentBlock, 0, len(content))
	for _, block := range content {
		if block.Type == "text" && block.Text == "" {
			continue
		}
		ordered = append(ordered, normalizeBlock(block))
	}
	sort.SliceStable(ordered, func(i, j int) bool {
		return blockRank(ordered[i]) < blockRank(ordered[j])
	})
	return ordered
}

// conversationTail is the analysed shape of the end of a conversation:
// where the last assistant turn sits and what follows it.
type conversationTail struct {
	lastAssistant  int
	openToolUse    bool
	toolResults    int
	plainUserAfter bool
	signedThinking bool
}

// openLoop: the assistant called tools and results came back, but no turn
// closed the loop.
func (t conversationTail) openLoop() bool {
	return t.openToolUse && t.toolResults > 0
}

// interrupted: the assistant called a tool, no result ever arrived, and
// the user moved on with a fresh message.
func (t conversationTail) interrupted() bool {
	return t.openToolUse && t.toolResults == 0 && t.plainUserAfter
}

func inspectTail(messages []Message) conversationTail {
	tail := conversationTail{lastAssistant: -1}

	for i := len(messages) - 1; i >= 0; i-- {
		if isAssistantRole(messages[i].Role) {
			tail.lastAssistant = i
			break
		}
	}
	if tail.lastAssistant < 0 {
		return tail
	}

	for _, block := range messages[tail.lastAssistant].Content {
		if block.Type == "tool_use" {
			tail.openToolUse = true
		}
		if signedReasoning(block) {
			tail.signedThinking = true
		}
	}

	for _, msg := range messages[tail.lastAssistant+1:] {
		sawResult := false
		for _, block := range msg.Content {
			if block.Type == "tool_result" {
				sawResult = true
				tail.toolResults++
			}
		}
		if msg.Role == "user" && !sawResult {
			tail.plainUserAfter = true
		}
	}

	return tail
}

// NeedsThinkingRecovery reports whether the conversation ends in an open
// or interrupted tool loop with no signed reasoning anchoring the turn.
func NeedsThinkingRecovery(messages []Message) bool {
	tail := inspectTail(messages)
	if !tail.openLoop() && !tail.interrupted() {
		return false
	}
	return !tail.signedThinking
}

// keepReasoningFor decides whether a reasoning block survives for the
// target family. Unsigned blocks never do. Gemini validates strictly, so
// unknown-origin and cross-family signatures are dropped for it; Claude
// validates its own signatures and tolerates unknowns.
func keepReasoningFor(b ContentBlock, targetFamily string, cache *SignatureCache) bool {
	if !signedReasoning(b) {
		return false
	}
	if targetFamily != "gemini" {
		return true
	}
	return cache.GetCachedSignatureFamily(signatureOf(b)) == targetFamily
}

// dropForeignThinking removes reasoning blocks the target family would
// reject. Turns that end up empty get a placeholder text block: Claude
// rejects empty content arrays.
func dropForeignThinking(messages []Message, targetFamily string) []Message {
	cache := GetGlobalSignatureCache()
	dropped := 0

	out := make([]Message, len(messages))
	for i, msg := range messages {
		out[i] = msg
		if len(msg.Content) == 0 {
			continue
		}

		content := make([]ContentBlock, 0, len(msg.Content))
		for _, block := range msg.Content {
			if isReasoningBlock(block) && !keepReasoningFor(block, targetFamily, cache) {
				dropped++
				continue
			}
			content = append(content, block)
		}
		if len(content) == 0 {
			content = textOnly(".")
		}
		out[i].Content = content
	}

	if dropped > 0 {
		utils.Debug("[Format] Stripped %d invalid/incompatible thinking block(s)", dropped)
	}
	return out
}

// CloseToolLoopForThinking repairs a conversation whose tool loop never
// closed (clients switching models mid-loop): foreign reasoning is
// stripped and synthetic turns make the history well-formed again.
func CloseToolLoopForThinking(messages []Message, targetFamily string) []Message {
	tail := inspectTail(messages)

	switch {
	case tail.interrupted():
		repaired := dropForeignThinking(messages, targetFamily)
		notice := Message{Role: "assistant", Content: textOnly(interruptedToolNotice)}
		utils.Debug("[Format] Applied thinking recovery for interrupted tool")
		return slices.Insert(repaired, tail.lastAssistant+1, notice)

	case tail.openLoop():
		repaired := dropForeignThinking(messages, targetFamily)
		utils.Debug("[Format] Applied thinking recovery for tool loop")
		return append(repaired,
			Message{Role: "assistant", Content: textOnly(toolLoopClosedNotice)},
			Message{Role: "user", Content: textOnly(continueTurnNotice)},
		)

	default:
		return messages
	}
}
