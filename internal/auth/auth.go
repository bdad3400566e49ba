// Package auth gates actions on who performed the triggering board or
// label change. The check fails safe: when the actor cannot be
// established, the action is denied.
package auth

import (
	"log/slog"

	"github.com/alekspetrov/kiln/internal/logging"
)

// Category classifies an actor for authorization decisions.
type Category int

const (
	// Unknown means the actor could not be determined. Denied.
	Unknown Category = iota
	// Self is the configured operator account. Fully authorized.
	Self
	// Team is a known team member. Observed silently, never acted on.
	Team
	// Blocked is a known account that is not authorized.
	Blocked
)

func (c Category) String() string {
	switch c {
	case Self:
		return "self"
	case Team:
		return "team"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

var log = logging.WithComponent("auth")

// CheckActor categorizes who performed an action. contextKey identifies the
// issue for the audit log and action names the gate being evaluated (e.g.
// "YOLO", "RESET").
func CheckActor(actor, self string, team []string, contextKey, action string) Category {
	if actor == "" {
		log.Warn("Blocked: could not determine actor",
			slog.String("issue_ref", contextKey),
			slog.String("action", action),
		)
		return Unknown
	}
	if actor == self {
		log.Info("Action by self",
			slog.String("actor", actor),
			slog.String("issue_ref", contextKey),
			slog.String("action", action),
		)
		return Self
	}
	for _, member := range team {
		if actor == member {
			log.Debug("Action by team member, observing silently",
				slog.String("actor", actor),
				slog.String("issue_ref", contextKey),
				slog.String("action", action),
			)
			return Team
		}
	}
	log.Warn("Blocked: actor not authorized",
		slog.String("actor", actor),
		slog.String("issue_ref", contextKey),
		slog.String("action", action),
		slog.String("self", self),
	)
	return Blocked
}
