// Package prompt provides interactive terminal prompts.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"

	"github.com/pbparthas/scriptlock/internal/state"
)

// ConfirmAction prompts the user to confirm an action with yes/no.
func ConfirmAction(title, description string) (bool, error) {
	var confirmed bool

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Value(&confirmed).
				Affirmative("Yes").
				Negative("No"),
		),
	)

	if err := form.Run(); err != nil {
		return false, err
	}

	return confirmed, nil
}

// ConfirmForceRelease asks before revoking l on behalf of its owner.
func ConfirmForceRelease(l *state.Lock, now time.Time) (bool, error) {
	return ConfirmAction(
		fmt.Sprintf("Force-release %s?", l.ResourceID),
		ForceReleaseDescription(l, now),
	)
}

// ForceReleaseDescription summarises the lease about to be revoked.
func ForceReleaseDescription(l *state.Lock, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Held by %s", l.OwnerID)
	if l.ProjectID != "" {
		fmt.Fprintf(&b, " in project %s", l.ProjectID)
	}
	if remaining := l.Remaining(now); remaining > 0 {
		fmt.Fprintf(&b, ", %s remaining", remaining.Round(time.Second))
	} else {
		b.WriteString(", already expired")
	}
	if l.FilePath != "" {
		fmt.Fprintf(&b, "\nFile: %s", l.FilePath)
	}
	b.WriteString("\nThe owner is not notified directly and may keep writing.")
	return b.String()
}
