// Package export renders chat thread transcripts to markdown or plain text.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"palaver/client/internal/threads"
)

// Format represents the transcript output format
type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
)

// Result contains the rendered transcript
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrThreadUnknown indicates the requested thread is not in the local list.
	ErrThreadUnknown = errors.New("export thread unknown")
	// ErrUnsupportedFormat indicates an unrecognized output format.
	ErrUnsupportedFormat = errors.New("export unsupported format")
)

// HistorySource defines the interface for transcript data access
type HistorySource interface {
	Threads() []threads.Thread
	Messages(ctx context.Context, id int64) ([]threads.Message, error)
}

// Service renders transcripts from a thread store
type Service struct {
	source HistorySource
}

// NewService creates a new export service
func NewService(source HistorySource) *Service {
	return &Service{source: source}
}

// Export renders the transcript of one thread in the requested format.
func (s *Service) Export(ctx context.Context, threadID int64, format Format) (*Result, error) {
	thread, ok := s.findThread(threadID)
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", threadID, ErrThreadUnknown)
	}

	messages, err := s.source.Messages(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	switch format {
	case FormatMarkdown:
		return renderMarkdown(thread, messages), nil
	case FormatText:
		return renderText(thread, messages), nil
	default:
		return nil, fmt.Errorf("%q: %w", format, ErrUnsupportedFormat)
	}
}

func (s *Service) findThread(id int64) (threads.Thread, bool) {
	for _, t := range s.source.Threads() {
		if t.ID == id {
			return t, true
		}
	}
	return threads.Thread{}, false
}

func renderMarkdown(thread threads.Thread, messages []threads.Message) *Result {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", thread.Title)
	if !thread.UpdatedAt.IsZero() {
		fmt.Fprintf(&b, "_Last updated %s_\n\n", thread.UpdatedAt.Format("2006-01-02 15:04"))
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "**%s:**\n\n%s\n\n", speaker(m.Role), m.Content)
	}
	return &Result{
		Data:     []byte(b.String()),
		Filename: sanitizeFilename(thread.Title) + ".md",
		MimeType: "text/markdown",
	}
}

func renderText(thread threads.Thread, messages []threads.Message) *Result {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", thread.Title, strings.Repeat("=", len(thread.Title)))
	for _, m := range messages {
		fmt.Fprintf(&b, "%s: %s\n\n", speaker(m.Role), m.Content)
	}
	return &Result{
		Data:     []byte(b.String()),
		Filename: sanitizeFilename(thread.Title) + ".txt",
		MimeType: "text/plain",
	}
}

func speaker(role threads.Role) string {
	if role == threads.RoleAssistant {
		return "Assistant"
	}
	return "You"
}

func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		default:
			// Skip other characters
		}
	}
	if result == "" {
		result = "transcript"
	}
	return result
}
