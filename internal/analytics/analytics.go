package analytics

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"persona-chatter/internal/storage"
)

// DailyStats summarises conversation activity for one UTC day.
type DailyStats struct {
	Date              string               `json:"date"`
	UserMessages      int                  `json:"user_messages"`
	AssistantMessages int                  `json:"assistant_messages"`
	ActiveUsers       int                  `json:"active_users"`
	StoredUsers       int                  `json:"stored_users"`
	StoredMessages    int                  `json:"stored_messages"`
	UserStats         map[string]UserStats `json:"user_stats"`
}

type UserStats struct {
	UserID            string `json:"user_id"`
	DisplayName       string `json:"display_name,omitempty"`
	UserMessages      int    `json:"user_messages"`
	AssistantMessages int    `json:"assistant_messages"`
}

// AnalyzeDailyHistories counts the retained messages that fall on the day
// of targetDate. Only retained history is visible, so older activity of
// users with long conversations may already be trimmed away.
func AnalyzeDailyHistories(histories map[string][]storage.Message, names map[string]string, targetDate time.Time) *DailyStats {
	startOfDay := time.Date(targetDate.Year(), targetDate.Month(), targetDate.Day(), 0, 0, 0, 0, targetDate.Location())
	endOfDay := startOfDay.Add(24 * time.Hour)

	stats := &DailyStats{
		Date:        startOfDay.Format("2006-01-02"),
		StoredUsers: len(histories),
		UserStats:   make(map[string]UserStats),
	}

	for userID, msgs := range histories {
		stats.StoredMessages += len(msgs)
		for _, m := range msgs {
			if m.Timestamp.Before(startOfDay) || !m.Timestamp.Before(endOfDay) {
				continue
			}
			us, ok := stats.UserStats[userID]
			if !ok {
				us = UserStats{UserID: userID, DisplayName: names[userID]}
			}
			switch m.Role {
			case storage.RoleUser:
				stats.UserMessages++
				us.UserMessages++
			case storage.RoleAssistant:
				stats.AssistantMessages++
				us.AssistantMessages++
			default:
				continue
			}
			stats.UserStats[userID] = us
		}
	}

	stats.ActiveUsers = len(stats.UserStats)
	return stats
}

// GenerateReportSummary renders the stats as plain text, users sorted by
// activity.
func (ds *DailyStats) GenerateReportSummary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Usage for %s:\n\n", ds.Date)
	fmt.Fprintf(&sb, "- User messages: %d\n", ds.UserMessages)
	fmt.Fprintf(&sb, "- Assistant replies: %d\n", ds.AssistantMessages)
	fmt.Fprintf(&sb, "- Active users: %d\n", ds.ActiveUsers)
	fmt.Fprintf(&sb, "- Stored users: %d, stored messages: %d\n", ds.StoredUsers, ds.StoredMessages)

	if len(ds.UserStats) == 0 {
		return sb.String()
	}
	users := make([]UserStats, 0, len(ds.UserStats))
	for _, us := range ds.UserStats {
		users = append(users, us)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].UserMessages != users[j].UserMessages {
			return users[i].UserMessages > users[j].UserMessages
		}
		return users[i].UserID < users[j].UserID
	})

	sb.WriteString("\nActive users:\n")
	for _, us := range users {
		name := us.DisplayName
		if name == "" {
			name = "user " + us.UserID
		}
		fmt.Fprintf(&sb, "- %s: %d messages, %d replies\n", name, us.UserMessages, us.AssistantMessages)
	}
	return sb.String()
}

func (ds *DailyStats) ToJSON() (string, error) {
	data, err := json.MarshalIndent(ds, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
