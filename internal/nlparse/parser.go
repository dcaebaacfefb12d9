// Package nlparse classifies free-text user replies to a pending
// interaction into structured decisions. The classifier is deterministic,
// stateless and locale-naive.
package nlparse

import (
	"regexp"
	"strings"

	"github.com/user/agentherd/internal/types"
)

var (
	cancelRe = regexp.MustCompile(`(?i)\b(cancel|stop|abort|kill|terminate|quit)\b`)
	allowRe  = regexp.MustCompile(`(?i)\b(allow|approve|approved|accept|yes|yep|yeah|ok|okay|sure|go ahead|proceed|confirm)\b`)
	// session scope is a refinement of the allow branch, checked only after
	// allow already matched.
	sessionRe = regexp.MustCompile(`(?i)\b(always|session|remember|every time|all future|from now on|don't ask)\b`)
	denyRe    = regexp.MustCompile(`(?i)\b(deny|denied|reject|refuse|no|nope|don't|dont|block|never)\b`)
)

// Parse classifies text. Precedence is cancel > allow > deny > answer; the
// order is a contract: "cancel this request" must not be misread as an allow
// decision. Text that matches nothing is treated as a literal answer to an
// open question.
func Parse(text string) types.Response {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return types.Response{Decision: types.DecisionAnswer, Text: text}
	}
	switch {
	case cancelRe.MatchString(trimmed):
		return types.Response{Decision: types.DecisionCancel, Text: trimmed}
	case allowRe.MatchString(trimmed):
		if sessionRe.MatchString(trimmed) {
			return types.Response{Decision: types.DecisionAllowSession, Text: trimmed}
		}
		return types.Response{Decision: types.DecisionAllowOnce, Text: trimmed}
	case denyRe.MatchString(trimmed):
		return types.Response{Decision: types.DecisionDeny, Text: trimmed}
	}
	return types.Response{Decision: types.DecisionAnswer, Text: trimmed}
}
