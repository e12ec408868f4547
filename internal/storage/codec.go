package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/xaenox/weather-chat/internal/models"
)

// KeyPrefix namespaces thread records in key-value backends.
const KeyPrefix = "weather-chat:"

func Key(threadID string) string {
	return KeyPrefix + threadID
}

// ThreadIDFromKey reverses Key. ok is false for keys outside the namespace.
func ThreadIDFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, KeyPrefix)
}

func encodeMessages(messages []models.Message) ([]byte, error) {
	if messages == nil {
		messages = []models.Message{}
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("error encoding messages: %w", err)
	}
	return data, nil
}

func decodeMessages(data []byte) ([]models.Message, error) {
	var messages []models.Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("error decoding messages: %w", err)
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return messages, nil
}

func summarize(threadID string, data []byte) (models.ThreadSummary, error) {
	messages, err := decodeMessages(data)
	if err != nil {
		return models.ThreadSummary{}, err
	}
	summary := models.ThreadSummary{ThreadID: threadID, Count: len(messages)}
	if n := len(messages); n > 0 && !messages[n-1].Timestamp.IsZero() {
		last := messages[n-1].Timestamp
		summary.LastAt = &last
	}
	return summary, nil
}

// sortSummaries orders by last activity, newest first; threads without a timestamp go last.
func sortSummaries(items []models.ThreadSummary) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].LastAt, items[j].LastAt
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.After(*b)
		}
	})
}
