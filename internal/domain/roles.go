package domain

import "context"

// RoleResolver reports a user's member role within a chat ("creator",
// "administrator", "member", ...). Implementations may cache aggressively;
// command authorization tolerates slightly stale answers.
type RoleResolver interface {
	Resolve(ctx context.Context, chatID, userID int64) (string, error)
}
