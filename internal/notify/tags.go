package notify

import (
	"strings"
	"time"
)

const broadcastToken = "<users/all>"

// MatchTags returns the candidates mentioned in the template, in candidate
// order (stable, independent of where the mention sits in the text). A
// candidate matches when the template contains "@"+DisplayName; the broadcast
// sentinel matches the literal "@all".
func MatchTags(content string, candidates []Member) []Member {
	var tagged []Member
	for _, m := range candidates {
		if strings.Contains(content, "@"+m.DisplayName) {
			tagged = append(tagged, m)
		}
	}
	return tagged
}

// RenderMessage produces the normal-dispatch text: {date} becomes the current
// DD-MM date in local time, @all the broadcast token, and each matched
// mention the member's reference token. Only the first occurrence of each
// token is rewritten; unmatched mentions stay literal text.
func RenderMessage(content string, tagged []Member, now time.Time) string {
	out := strings.Replace(content, "{date}", now.In(localZone).Format("02-01"), 1)
	for _, m := range tagged {
		if m.IsAll() {
			out = strings.Replace(out, "@all", broadcastToken, 1)
		}
		out = strings.Replace(out, "@"+m.DisplayName, "<"+m.Name+">", 1)
	}
	return out
}

// RenderReminder produces the escalation text: recipients still owing a
// response keep their mention as a reference token, recipients who answered
// adequately are stripped to nothing so the message only pings the
// outstanding set. No {date} substitution here.
func RenderReminder(content string, escalate, tagged []Member) string {
	out := content
	for _, m := range escalate {
		out = strings.Replace(out, "@"+m.DisplayName, "<"+m.Name+">", 1)
	}
	for _, m := range tagged {
		out = strings.Replace(out, "@"+m.DisplayName, "", 1)
	}
	return out
}
