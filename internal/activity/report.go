package activity

import (
	"fmt"
	"strings"
)

// Text renders the report as a plain chat message.
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Daily report %s\n", r.Day.Format("2006-01-02"))
	if r.Empty() {
		b.WriteString("No messages today.")
		return b.String()
	}
	fmt.Fprintf(&b, "Messages: %d\n\n", r.Total)
	for i, e := range r.Entries {
		fmt.Fprintf(&b, "%d. %s: %d\n", i+1, displayName(e), e.Count)
	}
	return strings.TrimRight(b.String(), "\n")
}

// LeaderboardText renders all-time counts as a chat message.
func LeaderboardText(entries []Entry) string {
	if len(entries) == 0 {
		return "No activity recorded yet."
	}
	var b strings.Builder
	b.WriteString("🏆 Leaderboard\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s: %d\n", i+1, displayName(e), e.Count)
	}
	return strings.TrimRight(b.String(), "\n")
}

func displayName(e Entry) string {
	if e.Name != "" {
		return e.Name
	}
	return fmt.Sprintf("user %d", e.UserID)
}
