package guildkeeper

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// GithubWebhookRegistration relays GitHub webhook deliveries for an
// organization and/or repository into a guild channel. Empty
// Organization or Repository match anything, and Events is a
// comma-separated list of GitHub event names (empty, or "*", for all).
// Deliveries must be signed with Secret.
type GithubWebhookRegistration struct {
	ModelUintID
	GuildID      string `gorm:"not null;index" json:"guild_id" binding:"required"`
	ChannelID    string `gorm:"not null" json:"channel_id" binding:"required"`
	Organization string `gorm:"not null;default:'';index" json:"organization"`
	Repository   string `gorm:"not null;default:''" json:"repository"`
	Events       string `gorm:"not null;default:''" json:"events"`
	Secret       string `gorm:"not null" json:"-" log:"[redacted]" binding:"required,min=8"`
	Enabled      Flag   `gorm:"not null;index" json:"enabled"`
	CreatedBy    string `json:"created_by"`
	ModelUnixTime
}

func (GithubWebhookRegistration) TableName() string {
	return "github_webhooks"
}

func (r GithubWebhookRegistration) LogValue() slog.Value {
	return structToSlogValue(r)
}

// Matches reports whether a delivery for the given organization,
// repository full name ("owner/name") and event is routed to r.
// Comparisons are case-insensitive.
func (r GithubWebhookRegistration) Matches(organization, repository, event string) bool {
	if r.Organization != "" && !strings.EqualFold(r.Organization, organization) {
		return false
	}
	if r.Repository != "" {
		_, name, _ := strings.Cut(repository, "/")
		if !strings.EqualFold(r.Repository, repository) && !strings.EqualFold(r.Repository, name) {
			return false
		}
	}
	events := splitList(r.Events)
	if len(events) == 0 || slices.Contains(events, "*") {
		return true
	}
	return slices.ContainsFunc(
		events, func(e string) bool {
			return strings.EqualFold(e, event)
		},
	)
}

// GithubWebhookFilter narrows [Store.FindGithubWebhooks]. Nil fields
// aren't filtered on.
type GithubWebhookFilter struct {
	GuildID      *string
	Organization *string
	Repository   *string
	Enabled      *bool
}

func (s *Store) CreateGithubWebhook(ctx context.Context, reg *GithubWebhookRegistration) error {
	if err := structValidator.Struct(reg); err != nil {
		return fmt.Errorf("invalid github webhook: %w", err)
	}
	if _, err := s.db.Create(ctx, reg); err != nil {
		return fmt.Errorf("error creating github webhook: %w", err)
	}
	return nil
}

// EnabledGithubWebhooks returns every enabled registration
func (s *Store) EnabledGithubWebhooks(ctx context.Context) ([]GithubWebhookRegistration, error) {
	enabled := true
	return s.FindGithubWebhooks(ctx, GithubWebhookFilter{Enabled: &enabled})
}

func (s *Store) FindGithubWebhooks(
	ctx context.Context,
	filter GithubWebhookFilter,
) ([]GithubWebhookRegistration, error) {
	q := s.reader(ctx).Model(&GithubWebhookRegistration{})
	if filter.GuildID != nil {
		q = q.Where("guild_id = ?", *filter.GuildID)
	}
	if filter.Organization != nil {
		q = q.Where("LOWER(organization) = LOWER(?)", *filter.Organization)
	}
	if filter.Repository != nil {
		q = q.Where("LOWER(repository) = LOWER(?)", *filter.Repository)
	}
	if filter.Enabled != nil {
		q = q.Where("enabled = ?", Flag(*filter.Enabled))
	}

	var regs []GithubWebhookRegistration
	if err := q.Order("id").Find(&regs).Error; err != nil {
		return nil, fmt.Errorf("error finding github webhooks: %w", err)
	}
	return regs, nil
}

// MatchGithubWebhooks returns the enabled registrations a delivery
// should be routed to, before signature verification.
func (s *Store) MatchGithubWebhooks(
	ctx context.Context,
	organization string,
	repository string,
	event string,
) ([]GithubWebhookRegistration, error) {
	regs, err := s.EnabledGithubWebhooks(ctx)
	if err != nil {
		return nil, err
	}
	matched := regs[:0]
	for _, r := range regs {
		if r.Matches(organization, repository, event) {
			matched = append(matched, r)
		}
	}
	return matched, nil
}

func (s *Store) SetGithubWebhookEnabled(
	ctx context.Context,
	guildID string,
	id uint,
	enabled bool,
) (bool, error) {
	n, err := s.db.UpdatesWhere(
		ctx,
		&GithubWebhookRegistration{},
		map[string]any{"enabled": Flag(enabled)},
		"id = ? AND guild_id = ?",
		id,
		guildID,
	)
	if err != nil {
		return false, fmt.Errorf("error updating github webhook: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteGithubWebhook(ctx context.Context, guildID string, id uint) (bool, error) {
	n, err := s.db.Delete(
		ctx,
		&GithubWebhookRegistration{},
		"id = ? AND guild_id = ?",
		id,
		guildID,
	)
	if err != nil {
		return false, fmt.Errorf("error deleting github webhook: %w", err)
	}
	return n == 1, nil
}
