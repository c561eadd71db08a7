// Package notify announces lock state changes to external observers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/pbparthas/scriptlock/internal/metrics"
)

// DefaultChannel scopes events whose lock carries no project.
const DefaultChannel = "default"

// Event represents a lock state change.
type Event struct {
	Type       EventType
	ProjectID  string
	ResourceID string
	FilePath   string
	OwnerID    string
	LockID     string
	ExpiresAt  time.Time
	Message    string
	Timestamp  time.Time
	Details    map[string]string
}

// EventType represents the type of lock event.
type EventType string

const (
	EventLockAcquired EventType = "lock_acquired"
	EventLockReleased EventType = "lock_released"
	EventLockExpiring EventType = "lock_expiring"
)

// Channel returns the fan-out scope for the event: its project, or DefaultChannel.
func (e Event) Channel() string {
	if e.ProjectID == "" {
		return DefaultChannel
	}
	return e.ProjectID
}

// Notifier is the interface for notification backends.
type Notifier interface {
	// Name returns the name of the notifier.
	Name() string

	// Send sends a notification event.
	Send(ctx context.Context, event Event) error

	// Close cleans up any resources.
	Close() error
}

// Manager manages multiple notification backends.
type Manager struct {
	notifiers []Notifier
}

// NewManager creates a new notification manager.
func NewManager() *Manager {
	return &Manager{
		notifiers: make([]Notifier, 0),
	}
}

// Register adds a notifier to the manager.
func (m *Manager) Register(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Notify sends an event to all registered notifiers.
func (m *Manager) Notify(ctx context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for _, n := range m.notifiers {
		wg.Add(1)
		go func(notifier Notifier) {
			defer wg.Done()
			if err := notifier.Send(ctx, event); err != nil {
				metrics.EventFailures.WithLabelValues(notifier.Name()).Inc()
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", notifier.Name(), err))
				mu.Unlock()
			}
		}(n)
	}
	wg.Wait()

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}
	return nil
}

// Close closes all registered notifiers.
func (m *Manager) Close() error {
	var errs []error
	for _, n := range m.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", n.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// Count returns the number of registered notifiers.
func (m *Manager) Count() int {
	return len(m.notifiers)
}

// FormatMessage creates a human-readable message from an event.
func FormatMessage(event Event) string {
	switch event.Type {
	case EventLockAcquired:
		return fmt.Sprintf("🔒 %s locked %s until %s", event.OwnerID, describe(event), event.ExpiresAt.Format(time.RFC3339))
	case EventLockReleased:
		return fmt.Sprintf("🔓 %s released", describe(event))
	case EventLockExpiring:
		return fmt.Sprintf("⏳ Lock on %s held by %s expires at %s", describe(event), event.OwnerID, event.ExpiresAt.Format(time.RFC3339))
	default:
		return fmt.Sprintf("[%s] %s: %s", event.Type, describe(event), event.Message)
	}
}

// GetEventTitle returns a human-readable title for an event type.
func GetEventTitle(event Event) string {
	switch event.Type {
	case EventLockAcquired:
		return "🔒 Lock Acquired"
	case EventLockReleased:
		return "🔓 Lock Released"
	case EventLockExpiring:
		return "⏳ Lock Expiring"
	default:
		return string(event.Type)
	}
}

// describe names the locked thing, preferring the file path.
func describe(event Event) string {
	if event.FilePath != "" {
		return fmt.Sprintf("%s (%s)", event.FilePath, event.ResourceID)
	}
	return event.ResourceID
}

// EventPayload is the JSON document published by the webhook and broker backends.
type EventPayload struct {
	Type       string            `json:"type"`
	Channel    string            `json:"channel"`
	ProjectID  string            `json:"projectId,omitempty"`
	ResourceID string            `json:"resourceId"`
	LockID     string            `json:"lockId,omitempty"`
	FilePath   string            `json:"filePath,omitempty"`
	OwnerID    string            `json:"ownerId,omitempty"`
	ExpiresAt  string            `json:"expiresAt,omitempty"`
	Message    string            `json:"message"`
	Timestamp  string            `json:"timestamp"`
	Details    map[string]string `json:"details,omitempty"`
}

// NewEventPayload builds the wire payload for an event.
func NewEventPayload(event Event) EventPayload {
	p := EventPayload{
		Type:       string(event.Type),
		Channel:    event.Channel(),
		ProjectID:  event.ProjectID,
		ResourceID: event.ResourceID,
		LockID:     event.LockID,
		FilePath:   event.FilePath,
		OwnerID:    event.OwnerID,
		Message:    FormatMessage(event),
		Timestamp:  event.Timestamp.Format(time.RFC3339),
		Details:    event.Details,
	}
	if !event.ExpiresAt.IsZero() {
		p.ExpiresAt = event.ExpiresAt.Format(time.RFC3339)
	}
	return p
}

// MarshalEvent encodes an event as an EventPayload.
func MarshalEvent(event Event) ([]byte, error) {
	body, err := json.Marshal(NewEventPayload(event))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, nil
}

// retryableSend executes an HTTP request with retry logic for transient failures.
func retryableSend(ctx context.Context, client *http.Client, req *http.Request, maxRetries int) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}

		// Body must be rewindable across attempts
		if attempt > 0 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, err
			}
			req.Body = body
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		// Don't retry client errors (4xx), only server errors (5xx)
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			continue
		}

		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}
