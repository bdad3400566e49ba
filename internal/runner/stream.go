package runner

import "encoding/json"

const (
	eventInit       = "init"
	eventText       = "text"
	eventToolUse    = "tool_use"
	eventToolResult = "tool_result"
	eventResult     = "result"
)

// streamEvent mirrors the claude CLI stream-json envelope.
type streamEvent struct {
	Type      string            `json:"type"`
	Subtype   string            `json:"subtype"`
	SessionID string            `json:"session_id"`
	Result    string            `json:"result"`
	IsError   bool              `json:"is_error"`
	Model     string            `json:"model"`
	Message   *assistantMessage `json:"message"`
	Usage     *usageInfo        `json:"usage"`
}

type assistantMessage struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   *usageInfo     `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Name string `json:"name"`
}

type usageInfo struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// parsedEvent is the flattened view the supervisor consumes.
type parsedEvent struct {
	Type         string
	Message      string
	SessionID    string
	IsError      bool
	Model        string
	TokensInput  int
	TokensOutput int
}

// parseStreamEvent converts one stream-json line into a parsedEvent.
// Non-JSON lines come back as plain text events.
func parseStreamEvent(line string) parsedEvent {
	var ev streamEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil {
		return parsedEvent{Type: eventText, Message: line}
	}

	out := parsedEvent{SessionID: ev.SessionID}

	switch ev.Type {
	case "system":
		if ev.Subtype == "init" {
			out.Type = eventInit
		}
	case "assistant":
		if ev.Message != nil {
			for _, block := range ev.Message.Content {
				switch block.Type {
				case "tool_use":
					out.Type = eventToolUse
					out.Message = block.Name
				case "text":
					out.Type = eventText
					out.Message = block.Text
				}
			}
			if ev.Message.Model != "" {
				out.Model = ev.Message.Model
			}
			if ev.Message.Usage != nil {
				out.TokensInput += ev.Message.Usage.InputTokens
				out.TokensOutput += ev.Message.Usage.OutputTokens
			}
		}
	case "user":
		out.Type = eventToolResult
	case "result":
		out.Type = eventResult
		out.Message = ev.Result
		out.IsError = ev.IsError
	}

	if ev.Usage != nil {
		out.TokensInput += ev.Usage.InputTokens
		out.TokensOutput += ev.Usage.OutputTokens
	}
	if ev.Model != "" {
		out.Model = ev.Model
	}
	return out
}
