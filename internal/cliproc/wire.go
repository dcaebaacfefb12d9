package cliproc

import (
	"encoding/json"

	"github.com/user/agentherd/internal/types"
)

// wireEvent is one line of provider stdout. Providers emit line-delimited
// JSON; fields not relevant to an event type are simply absent.
type wireEvent struct {
	Type    string   `json:"type"`
	Message string   `json:"message,omitempty"`
	Text    string   `json:"text,omitempty"`
	ID      string   `json:"id,omitempty"`
	Prompt  string   `json:"prompt,omitempty"`
	Options []string `json:"options,omitempty"`
	Summary string   `json:"summary,omitempty"`
	Code    string   `json:"code,omitempty"`
}

// wireResponse is the stdin reply for a permission request or question.
type wireResponse struct {
	Type     string `json:"type"`
	ID       string `json:"id,omitempty"`
	Decision string `json:"decision"`
	Text     string `json:"text,omitempty"`
}

// parseEvent decodes a stdout line. ok is false when the line is not a JSON
// event; such lines are surfaced as plain progress instead of being dropped.
func parseEvent(line string) (wireEvent, bool) {
	var ev wireEvent
	if err := json.Unmarshal([]byte(line), &ev); err != nil || ev.Type == "" {
		return wireEvent{}, false
	}
	return ev, true
}

// launchArgs builds the provider-specific argument list. The prompt is always
// the final positional argument.
func launchArgs(provider types.Provider, input types.StartInput) []string {
	switch provider {
	case types.ProviderCodex:
		args := []string{"exec", "--json", "--skip-git-repo-check"}
		if input.BypassPermission {
			args = append(args, "--dangerously-bypass-approvals-and-sandbox")
		}
		return append(args, input.Prompt)
	case types.ProviderClaude:
		args := []string{"--print", "--verbose", "--output-format", "stream-json", "--input-format", "stream-json"}
		if input.BypassPermission {
			args = append(args, "--dangerously-skip-permissions")
		}
		return append(args, input.Prompt)
	default:
		return []string{input.Prompt}
	}
}
