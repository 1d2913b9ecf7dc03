package notify

import (
	"context"
	"fmt"
	"strings"
)

// Escalation decides which tagged recipients still need a ping this cycle:
// everyone who stayed silent in the window, plus everyone who responded but
// whose messages never contain the keyword (case-insensitive substring).
// Message text comes from the platform per received row; a fetch failure
// aborts the evaluation so the firing can take its failure path.
//
// The result is deduplicated and ordered: silent recipients in tagged order,
// then keyword-failing responders in message order.
func Escalation(ctx context.Context, sender Sender, keyword string, tagged []Member, received []ReceivedMessage) ([]Member, error) {
	var out []Member
	seen := map[string]bool{}
	add := func(m Member) {
		if !seen[m.Name] {
			seen[m.Name] = true
			out = append(out, m)
		}
	}

	for _, m := range tagged {
		responded := false
		for _, msg := range received {
			if msg.Member.Name == m.Name {
				responded = true
				break
			}
		}
		if !responded {
			add(m)
		}
	}

	kw := strings.ToLower(keyword)
	for _, msg := range received {
		who, ok := findMember(tagged, msg.Member.Name)
		if !ok || seen[who.Name] {
			continue
		}
		text, err := sender.MessageText(ctx, msg.MessageName)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch %s: %v", ErrUpstream, msg.MessageName, err)
		}
		if !strings.Contains(strings.ToLower(text), kw) {
			add(who)
		}
	}
	return out, nil
}

func findMember(list []Member, name string) (Member, bool) {
	for _, m := range list {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}
