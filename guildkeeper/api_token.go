package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

type APITokenRole string

const (
	// APITokenRoleOwner can use every API endpoint
	APITokenRoleOwner APITokenRole = "owner"

	// APITokenRoleGuildAdmin can only manage the guilds listed on the token
	APITokenRoleGuildAdmin APITokenRole = "guild_admin"

	apiTokenSecretBytes = 32
)

var ErrInvalidAPIToken = errors.New("invalid api token")

// APIToken authenticates API requests made with
// `Authorization: Bearer <id>.<secret>`. Only an argon2 hash of the
// secret is stored.
type APIToken struct {
	ID   string       `gorm:"primaryKey" json:"id"`
	Name string       `gorm:"not null" json:"name" binding:"required,max=100"`
	Role APITokenRole `gorm:"not null;check:role in ('owner', 'guild_admin')" json:"role" binding:"oneof=owner guild_admin"`

	// GuildIDs is the comma-separated list of guilds a guild_admin
	// token may manage
	GuildIDs   string `gorm:"not null;default:''" json:"guild_ids" binding:"required_if=Role guild_admin"`
	TokenHash  string `gorm:"not null" json:"-" log:"[redacted]"`
	CreatedBy  string `json:"created_by"`
	LastUsedAt *int64 `json:"last_used_at"`
	ModelUnixTime
}

func (APIToken) TableName() string {
	return "api_tokens"
}

func (t APIToken) LogValue() slog.Value {
	return structToSlogValue(t)
}

// CanManageGuild reports whether the token grants access to guildID
func (t APIToken) CanManageGuild(guildID string) bool {
	if t.Role == APITokenRoleOwner {
		return true
	}
	return slices.Contains(splitList(t.GuildIDs), guildID)
}

// CreateAPIToken stores a new token and returns it along with the bearer
// value, which can't be recovered later.
func (s *Store) CreateAPIToken(
	ctx context.Context,
	name string,
	role APITokenRole,
	guildIDs []string,
	createdBy string,
) (*APIToken, string, error) {
	secret, err := generateRandomHexString(apiTokenSecretBytes)
	if err != nil {
		return nil, "", fmt.Errorf("error generating token secret: %w", err)
	}
	hashed, err := hashPassword(secret)
	if err != nil {
		return nil, "", fmt.Errorf("error hashing token secret: %w", err)
	}
	t := &APIToken{
		ID:        uuid.NewString(),
		Name:      name,
		Role:      role,
		GuildIDs:  strings.Join(guildIDs, ","),
		TokenHash: hashed,
		CreatedBy: createdBy,
	}
	if err = structValidator.Struct(t); err != nil {
		return nil, "", fmt.Errorf("invalid api token: %w", err)
	}
	if _, err = s.db.Create(ctx, t); err != nil {
		return nil, "", fmt.Errorf("error creating api token: %w", err)
	}
	return t, t.ID + "." + secret, nil
}

// VerifyAPIToken returns the token matching the bearer value, or
// [ErrInvalidAPIToken].
func (s *Store) VerifyAPIToken(ctx context.Context, bearer string) (*APIToken, error) {
	id, secret, ok := strings.Cut(bearer, ".")
	if !ok || id == "" || secret == "" {
		return nil, ErrInvalidAPIToken
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrInvalidAPIToken
	}

	var t APIToken
	if err := s.reader(ctx).Where("id = ?", id).Take(&t).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidAPIToken
		}
		return nil, fmt.Errorf("error getting api token: %w", err)
	}
	valid, err := verifyPassword(t.TokenHash, secret)
	if err != nil || !valid {
		return nil, ErrInvalidAPIToken
	}

	now := s.nowMillis()
	if _, err = s.db.Update(ctx, &t, "last_used_at", now); err != nil {
		s.logger.WarnContext(ctx, "error recording token use", "token", t.ID, tint.Err(err))
	}
	t.LastUsedAt = &now
	return &t, nil
}

func (s *Store) APITokens(ctx context.Context) ([]APIToken, error) {
	var tokens []APIToken
	if err := s.reader(ctx).Order("created_at").Find(&tokens).Error; err != nil {
		return nil, fmt.Errorf("error listing api tokens: %w", err)
	}
	return tokens, nil
}

func (s *Store) DeleteAPIToken(ctx context.Context, id string) (bool, error) {
	n, err := s.db.Delete(ctx, &APIToken{}, "id = ?", id)
	if err != nil {
		return false, fmt.Errorf("error deleting api token: %w", err)
	}
	return n == 1, nil
}
