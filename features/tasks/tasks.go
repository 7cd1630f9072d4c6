package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"

	"discourse/backend/features/job"
)

const (
	WelcomeEmailName      = "welcome_email"
	ProcessTopicName      = "process_topic"
	PropagateUsernameName = "propagate_username"
)

// WelcomeEmail greets a newly registered user.
type WelcomeEmail struct {
	UserID   int64  `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (WelcomeEmail) JobName() string { return WelcomeEmailName }

func (j WelcomeEmail) Validate() error {
	if j.UserID <= 0 {
		return invalid("user_id must be positive")
	}
	if strings.TrimSpace(j.Username) == "" {
		return invalid("username is required")
	}
	if _, err := mail.ParseAddress(j.Email); err != nil {
		return invalid("email is not a valid address")
	}
	return nil
}

// ProcessTopic runs a named maintenance action against a topic.
type ProcessTopic struct {
	TopicID int64  `json:"topic_id"`
	Action  string `json:"action"`
}

func (ProcessTopic) JobName() string { return ProcessTopicName }

func (j ProcessTopic) Validate() error {
	if j.TopicID <= 0 {
		return invalid("topic_id must be positive")
	}
	if strings.TrimSpace(j.Action) == "" {
		return invalid("action is required")
	}
	return nil
}

// PropagateUsername rewrites mentions of a renamed user in existing posts.
type PropagateUsername struct {
	UserID      int64  `json:"user_id"`
	OldUsername string `json:"old_username"`
	NewUsername string `json:"new_username"`
}

func (PropagateUsername) JobName() string { return PropagateUsernameName }

func (j PropagateUsername) Validate() error {
	if j.UserID <= 0 {
		return invalid("user_id must be positive")
	}
	if j.OldUsername == "" || j.NewUsername == "" {
		return invalid("old_username and new_username are required")
	}
	if strings.EqualFold(j.OldUsername, j.NewUsername) {
		return invalid("usernames are identical")
	}
	if strings.ContainsRune(j.NewUsername, '\\') {
		return invalid("new_username must not contain a backslash")
	}
	return nil
}

// invalid marks a payload that can never succeed, so it is never retried.
func invalid(msg string) error {
	return fmt.Errorf("%w: %s", job.ErrSerialization, msg)
}

type Deps struct {
	Mailer   Mailer
	Topics   TopicProcessor
	Mentions MentionRewriter
}

// Definitions returns the job kinds this service executes. Nil dependencies
// fall back to logging implementations; a nil Mentions leaves
// propagate_username unregistered.
func Definitions(deps Deps) []job.Definition {
	if deps.Mailer == nil {
		deps.Mailer = LogMailer{}
	}
	if deps.Topics == nil {
		deps.Topics = LogTopicProcessor{}
	}

	defs := []job.Definition{
		job.Define(WelcomeEmailName, func(ctx context.Context, p WelcomeEmail) error {
			if err := p.Validate(); err != nil {
				return err
			}
			return deps.Mailer.SendWelcome(ctx, p)
		}),
		job.Define(ProcessTopicName, func(ctx context.Context, p ProcessTopic) error {
			if err := p.Validate(); err != nil {
				return err
			}
			return deps.Topics.Process(ctx, p.TopicID, p.Action)
		}),
	}

	if deps.Mentions != nil {
		defs = append(defs, job.Define(PropagateUsernameName, func(ctx context.Context, p PropagateUsername) error {
			if err := p.Validate(); err != nil {
				return err
			}
			n, err := deps.Mentions.Rewrite(ctx, p.OldUsername, p.NewUsername)
			if err != nil {
				return fmt.Errorf("rewrite mentions of %s: %w", p.OldUsername, err)
			}
			slog.InfoContext(ctx, "username propagated", "user_id", p.UserID, "posts", n)
			return nil
		}))
	}
	return defs
}
