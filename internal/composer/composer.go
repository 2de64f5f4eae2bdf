// Package composer assembles the message list sent to a generator from a
// user's persona, identity, history and other users' recent turns. It does
// no I/O and never fails.
package composer

import (
	"fmt"
	"sort"
	"strings"

	"persona-chatter/internal/llm"
	"persona-chatter/internal/personality"
	"persona-chatter/internal/storage"
)

// SharedWindow is how many of another user's most recent messages are
// shared into a prompt.
const SharedWindow = 3

const (
	newUserDirective = "This is a new user. Provide a brief welcome message before addressing their query."
	referByName      = "When responding, you can reference users by their names rather than their IDs."
)

// Input is everything needed to build one prompt.
type Input struct {
	UserID        string
	DisplayName   string
	PersonalityID string
	NewUser       bool
	// History is the target user's retained history, including the message
	// being answered.
	History []storage.Message
	// AllHistories and Names are consulted for other users only.
	AllHistories  map[string][]storage.Message
	Names         map[string]string
	IncludeShared bool
}

type Output struct {
	Personality personality.Personality
	Messages    []llm.Message
}

type Composer struct {
	registry *personality.Registry
}

func New(registry *personality.Registry) *Composer {
	return &Composer{registry: registry}
}

// Compose returns the prompt for in. The first message is the only system
// message; shared context from other users precedes the target's history.
func (c *Composer) Compose(in Input) Output {
	p := c.registry.Resolve(in.PersonalityID)

	var shared []llm.Message
	if in.IncludeShared {
		shared = sharedContext(in)
	}

	msgs := make([]llm.Message, 0, 1+len(shared)+len(in.History))
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: systemText(p, in)})
	msgs = append(msgs, shared...)
	for _, m := range in.History {
		if m.Role == storage.RoleSystem {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	return Output{Personality: p, Messages: msgs}
}

// ComposeSlap builds the two-message prompt for a playful slap reaction.
func (c *Composer) ComposeSlap(personalityID string, count int, target string) Output {
	p := c.registry.Resolve(personalityID)
	if strings.TrimSpace(target) == "" {
		target = "me"
	}
	system := strings.TrimSpace(p.SystemPrompt) + "\n\n" +
		"The user just slapped you playfully. React in-character with escalating tone based on how many times they’ve done it. " +
		fmt.Sprintf("They have slapped you %d time(s).", count)
	return Output{
		Personality: p,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: system},
			{Role: llm.RoleUser, Content: "*slaps " + target + "*"},
		},
	}
}

func systemText(p personality.Personality, in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Personality: %s\n\n%s", p.DisplayName, p.SystemPrompt)
	if in.NewUser {
		b.WriteString("\n\n" + newUserDirective)
	}
	fmt.Fprintf(&b, "\n\nThe current user you're talking to is named %s.", nameOf(in.UserID, in.DisplayName))

	if len(in.Names) > 1 {
		others := otherIDs(in.Names, in.UserID)
		if len(others) > 0 {
			b.WriteString("\n\nOther users in the conversation include:")
			for _, id := range others {
				fmt.Fprintf(&b, "\n- User %s: %s", id, nameOf(id, in.Names[id]))
			}
			b.WriteString("\n\n" + referByName)
		}
	}
	return b.String()
}

func sharedContext(in Input) []llm.Message {
	var out []llm.Message
	for _, id := range otherIDs(in.AllHistories, in.UserID) {
		h := in.AllHistories[id]
		if len(h) == 0 {
			continue
		}
		if len(h) > SharedWindow {
			h = h[len(h)-SharedWindow:]
		}
		out = append(out, llm.Message{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf("[Context from %s]", nameOf(id, in.Names[id])),
		})
		for _, m := range h {
			if m.Role != storage.RoleUser && m.Role != storage.RoleAssistant {
				continue
			}
			out = append(out, llm.Message{Role: string(m.Role), Content: m.Content})
		}
	}
	return out
}

func otherIDs[V any](m map[string]V, self string) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func nameOf(id, name string) string {
	if name == "" {
		return "user " + id
	}
	return name
}
