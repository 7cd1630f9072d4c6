package tasks

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

type Mailer interface {
	SendWelcome(ctx context.Context, msg WelcomeEmail) error
}

// LogMailer records the email instead of sending it.
type LogMailer struct{}

func (LogMailer) SendWelcome(ctx context.Context, msg WelcomeEmail) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "welcome email sent", "user_id", msg.UserID, "username", msg.Username, "email", msg.Email)
	return nil
}

type TopicProcessor interface {
	Process(ctx context.Context, topicID int64, action string) error
}

type LogTopicProcessor struct{}

func (LogTopicProcessor) Process(ctx context.Context, topicID int64, action string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "topic processed", "topic_id", topicID, "action", action)
	return nil
}

// MentionRewriter replaces @old mentions with @new and reports how many
// posts changed.
type MentionRewriter interface {
	Rewrite(ctx context.Context, oldUsername, newUsername string) (int64, error)
}

type PostgresMentionRewriter struct {
	db *sql.DB
}

func NewPostgresMentionRewriter(db *sql.DB) *PostgresMentionRewriter {
	return &PostgresMentionRewriter{db: db}
}

func (r *PostgresMentionRewriter) Rewrite(ctx context.Context, oldUsername, newUsername string) (int64, error) {
	pattern := MentionPattern(oldUsername)
	query := `UPDATE posts SET raw = regexp_replace(raw, $1, $2, 'gi') WHERE raw ~* $1`
	res, err := r.db.ExecContext(ctx, query, pattern, MentionReplacement(newUsername))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MentionPattern matches @username as a whole mention, keeping the
// preceding character in group 1.
func MentionPattern(username string) string {
	return fmt.Sprintf(`(^|[^[:alnum:]_@])@%s(?![[:alnum:]_])`, regexp.QuoteMeta(username))
}

// MentionReplacement is the regexp_replace replacement for MentionPattern.
// Backslashes in username are doubled so they are not read as back-references.
func MentionReplacement(username string) string {
	return `\1@` + strings.ReplaceAll(username, `\`, `\\`)
}
