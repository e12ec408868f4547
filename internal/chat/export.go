package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xaenox/weather-chat/internal/models"
	"github.com/xaenox/weather-chat/internal/storage"
)

// isoLayout is ISO-8601 in UTC with milliseconds, e.g. 2025-06-01T10:00:00.000Z.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

type ExportedMessage struct {
	ID        string      `json:"id"`
	Role      models.Role `json:"role"`
	Content   string      `json:"content"`
	Timestamp string      `json:"timestamp"`
}

// ExportDocument is the downloadable form of one thread.
type ExportDocument struct {
	ThreadID   string            `json:"threadId"`
	ExportedAt string            `json:"exportedAt"`
	Messages   []ExportedMessage `json:"messages"`
}

// FileName is the suggested download name for an export of threadID.
func FileName(threadID string) string {
	return fmt.Sprintf("weather-chat-thread-%s.json", threadID)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(isoLayout)
}

// NewExportDocument builds the export of messages taken at exportedAt.
func NewExportDocument(threadID string, messages []models.Message, exportedAt time.Time) ExportDocument {
	doc := ExportDocument{
		ThreadID:   threadID,
		ExportedAt: formatTime(exportedAt),
		Messages:   make([]ExportedMessage, 0, len(messages)),
	}
	for _, m := range messages {
		doc.Messages = append(doc.Messages, ExportedMessage{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: formatTime(m.Timestamp),
		})
	}
	return doc
}

func marshalExport(doc ExportDocument) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode export: %w", err)
	}
	return data, nil
}

// ExportMessages serializes messages as the export of threadID.
func ExportMessages(threadID string, messages []models.Message, exportedAt time.Time) ([]byte, error) {
	return marshalExport(NewExportDocument(threadID, messages, exportedAt))
}

// Export serializes the active transcript.
func (s *Session) Export() ([]byte, error) {
	state := s.State()
	return ExportMessages(state.ThreadID, state.Messages, s.now())
}

// ExportThread serializes any stored thread without making it active.
func ExportThread(ctx context.Context, store storage.ThreadStore, threadID string, now time.Time) ([]byte, error) {
	messages, err := store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}
	return ExportMessages(threadID, messages, now)
}

// ParseExport reads an export document back.
func ParseExport(data []byte) (*ExportDocument, error) {
	var doc ExportDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode export: %w", err)
	}
	return &doc, nil
}

// Transcript converts the exported messages back into messages.
func (d *ExportDocument) Transcript() ([]models.Message, error) {
	messages := make([]models.Message, 0, len(d.Messages))
	for _, m := range d.Messages {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return nil, fmt.Errorf("message %s has unsupported role %q", m.ID, m.Role)
		}
		ts, err := time.Parse(time.RFC3339, m.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("message %s has invalid timestamp %q: %w", m.ID, m.Timestamp, err)
		}
		messages = append(messages, models.Message{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: ts,
		})
	}
	return messages, nil
}

// ImportThread stores the transcript of an export under its thread id.
func ImportThread(ctx context.Context, store storage.ThreadStore, data []byte) (string, error) {
	doc, err := ParseExport(data)
	if err != nil {
		return "", err
	}
	if err := ImportDocument(ctx, store, doc, doc.ThreadID); err != nil {
		return "", err
	}
	return doc.ThreadID, nil
}

// ImportDocument stores the transcript of doc under threadID, which may differ
// from the thread id recorded in the document.
func ImportDocument(ctx context.Context, store storage.ThreadStore, doc *ExportDocument, threadID string) error {
	if doc.ThreadID == "" {
		return fmt.Errorf("export has no thread id")
	}
	messages, err := doc.Transcript()
	if err != nil {
		return err
	}
	if err := store.Save(ctx, threadID, messages); err != nil {
		return fmt.Errorf("failed to save imported thread: %w", err)
	}
	return nil
}
