package session

import (
	"fmt"
	"strings"
	"time"
)

// Priming defaults.
const (
	// DefaultRestoreWindow is how long after the last activity a new
	// connection continues the previous conversation instead of greeting.
	DefaultRestoreWindow = 15 * time.Minute

	// restoreTurns is the number of recent turns quoted in a restoration
	// prompt.
	restoreTurns = 3

	// StoreNamePlaceholder is replaced with the store name in greetings.
	StoreNamePlaceholder = "[Store Name]"

	// DefaultGreeting is the greeting instruction used when none is
	// configured.
	DefaultGreeting = `(System: Customer just entered. Greet them loudly in English or Vietnamese depending on their language: "Hello! Welcome to [Store Name]!" then ask how to help.)`
)

// Greeting substitutes storeName into template. An empty template selects
// [DefaultGreeting].
func Greeting(template, storeName string) string {
	if strings.TrimSpace(template) == "" {
		template = DefaultGreeting
	}
	return strings.ReplaceAll(template, StoreNamePlaceholder, storeName)
}

// RestorationPrompt asks the model to continue after a dropped connection,
// quoting the last three turns as "Customer: …" and "You: …" joined by " | ".
func RestorationPrompt(storeName string, turns []Turn) string {
	if len(turns) > restoreTurns {
		turns = turns[len(turns)-restoreTurns:]
	}
	parts := make([]string, len(turns))
	for i, t := range turns {
		who := "You"
		if t.IsUser {
			who = "Customer"
		}
		parts[i] = who + ": " + t.Text
	}
	return fmt.Sprintf("(SYSTEM: The connection was briefly interrupted. Do not greet again from the start. "+
		"Continue the current conversation and stay in your role as the sales assistant at %q.\nRECENT HISTORY:\n%s\n)",
		storeName, strings.Join(parts, " | "))
}

// PrimingMessage picks the single message sent right after a channel opens:
// a restoration prompt when history exists and the last activity is younger
// than window, the greeting otherwise. restored reports which one was chosen.
func PrimingMessage(p Prompts, turns []Turn, lastActive, now time.Time, window time.Duration) (msg string, restored bool) {
	if len(turns) > 0 && !lastActive.IsZero() && now.Sub(lastActive) < window {
		return RestorationPrompt(p.StoreName, turns), true
	}
	return Greeting(p.Greeting, p.StoreName), false
}
