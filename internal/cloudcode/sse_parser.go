package cloudcode

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/poemonsense/cloudcode-relay/internal/format"
	"github.com/poemonsense/cloudcode-relay/internal/utils"
	"github.com/poemonsense/cloudcode-relay/pkg/anthropic"
)

// ssePart is one part inside an SSE frame.
type ssePart struct {
	Thought          bool            `json:"thought,omitempty"`
	Text             string          `json:"text,omitempty"`
	ThoughtSignature string          `json:"thoughtSignature,omitempty"`
	FunctionCall     *sseFuncCall    `json:"functionCall,omitempty"`
	InlineData       *sseInlineData  `json:"inlineData,omitempty"`
}

type sseFuncCall struct {
	ID   string         `json:"id,omitempty"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type sseInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type sseCandidate struct {
	Content      *sseContent `json:"content,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
}

type sseContent struct {
	Parts []ssePart `json:"parts,omitempty"`
}

type sseUsage struct {
	PromptTokenCount        int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount    int `json:"candidatesTokenCount,omitempty"`
	CachedContentTokenCount int `json:"cachedContentTokenCount,omitempty"`
}

// sseFrame is one data: payload; the upstream emits either wrapped or
// flat frames.
type sseFrame struct {
	Response      *sseInnerFrame  `json:"response,omitempty"`
	Candidates    []sseCandidate  `json:"candidates,omitempty"`
	UsageMetadata *sseUsage       `json:"usageMetadata,omitempty"`
}

type sseInnerFrame struct {
	Candidates    []sseCandidate `json:"candidates,omitempty"`
	UsageMetadata *sseUsage      `json:"usageMetadata,omitempty"`
}

func (f *sseFrame) inner() *sseInnerFrame {
	if f.Response != nil {
		return f.Response
	}
	return &sseInnerFrame{Candidates: f.Candidates, UsageMetadata: f.UsageMetadata}
}

func newSSEScanner(reader io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(reader)
	// Frames can be large when tool args or inline data stream through.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return scanner
}

// ParseThinkingSSEResponse drains an SSE body into one aggregated
// response. Non-streaming calls to thinking models go through here: the
// unary endpoint never returns thinking text, so the relay fetches the
// stream and folds it.
func ParseThinkingSSEResponse(reader io.Reader, originalModel string) (*anthropic.MessagesResponse, error) {
	var thinkingText, thinkingSignature, plainText string
	finalParts := make([]format.ResponsePart, 0)
	usage := &format.UsageMetadata{}
	finishReason := "STOP"

	flushThinking := func() {
		if thinkingText != "" {
			finalParts = append(finalParts, format.ResponsePart{
				Text:             thinkingText,
				Thought:          true,
				ThoughtSignature: thinkingSignature,
			})
			thinkingText, thinkingSignature = "", ""
		}
	}
	flushText := func() {
		if plainText != "" {
			finalParts = append(finalParts, format.ResponsePart{Text: plainText})
			plainText = ""
		}
	}

	scanner := newSSEScanner(reader)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		jsonText := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if jsonText == "" {
			continue
		}

		var frame sseFrame
		if err := json.Unmarshal([]byte(jsonText), &frame); err != nil {
			utils.Debug("[CloudCode] SSE parse warning: %v", err)
			continue
		}
		inner := frame.inner()

		if inner.UsageMetadata != nil {
			usage.PromptTokenCount = inner.UsageMetadata.PromptTokenCount
			usage.CandidatesTokenCount = inner.UsageMetadata.CandidatesTokenCount
			usage.CachedContentTokenCount = inner.UsageMetadata.CachedContentTokenCount
		}

		if len(inner.Candidates) == 0 {
			continue
		}
		candidate := inner.Candidates[0]
		if candidate.FinishReason != "" {
			finishReason = candidate.FinishReason
		}
		if candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			switch {
			case part.Thought:
				flushText()
				thinkingText += part.Text
				if part.ThoughtSignature != "" {
					thinkingSignature = part.ThoughtSignature
				}
			case part.FunctionCall != nil:
				flushThinking()
				flushText()
				finalParts = append(finalParts, format.ResponsePart{
					ThoughtSignature: part.ThoughtSignature,
					FunctionCall: &format.ResponseFuncCall{
						ID:   part.FunctionCall.ID,
						Name: part.FunctionCall.Name,
						Args: part.FunctionCall.Args,
					},
				})
			case part.Text != "":
				flushThinking()
				plainText += part.Text
			case part.InlineData != nil:
				flushThinking()
				flushText()
				finalParts = append(finalParts, format.ResponsePart{
					InlineData: &format.InlineData{
						MimeType: part.InlineData.MimeType,
						Data:     part.InlineData.Data,
					},
				})
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	flushThinking()
	flushText()

	aggregated := &format.GoogleResponse{
		Candidates: []format.Candidate{{
			Content:      &format.CandidateContent{Parts: finalParts},
			FinishReason: finishReason,
		}},
		UsageMetadata: usage,
	}

	return format.ConvertGoogleToAnthropic(aggregated, originalModel), nil
}
