package session

import (
	"encoding/json"
	"strings"
)

const ToolVisionAnalysis = "vision_analysis"

const defaultVisionQuestion = "Describe what is on the screen."

// ToolCallRequest is a structured action the model embeds in a text part.
type ToolCallRequest struct {
	Kind     string `json:"kind"`
	Question string `json:"question"`
}

// ParseToolCall reports whether text is a recognized tool call. Models often
// wrap JSON in a markdown fence, so one is stripped before decoding.
func ParseToolCall(text string) (ToolCallRequest, bool) {
	raw := strings.TrimSpace(text)
	if strings.HasPrefix(raw, "```") {
		raw = strings.TrimPrefix(raw, "```json")
		raw = strings.TrimPrefix(raw, "```")
		raw = strings.TrimSuffix(strings.TrimSpace(raw), "```")
		raw = strings.TrimSpace(raw)
	}
	if !strings.HasPrefix(raw, "{") {
		return ToolCallRequest{}, false
	}
	var req ToolCallRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return ToolCallRequest{}, false
	}
	req.Kind = strings.TrimSpace(req.Kind)
	if req.Kind != ToolVisionAnalysis {
		return ToolCallRequest{}, false
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		req.Question = defaultVisionQuestion
	}
	return req, true
}
