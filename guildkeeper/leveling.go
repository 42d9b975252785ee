package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultLeaderboardLimit = 10

// LevelRecord tracks a member's XP within one guild
type LevelRecord struct {
	GuildID  string `gorm:"primaryKey" json:"guild_id"`
	UserID   string `gorm:"primaryKey" json:"user_id"`
	XP       int64  `gorm:"column:xp;not null" json:"xp"`
	Level    int64  `gorm:"not null;index" json:"level"`
	Messages int64  `gorm:"not null" json:"messages"`

	// LastXPGain is the Unix millisecond time of the last grant
	LastXPGain int64 `gorm:"column:last_xp_gain;not null" json:"last_xp_gain"`

	ModelUnixTime
}

func (LevelRecord) TableName() string {
	return "level_records"
}

// XPGrant is the outcome of a single XP grant
type XPGrant struct {
	Record    LevelRecord
	LeveledUp bool
	NewLevel  int64
}

// LevelForXP returns floor(sqrt(xp/100)), the level reached with xp.
func LevelForXP(xp int64) int64 {
	if xp <= 0 {
		return 0
	}
	// level² × 100 <= xp exactly when level² <= xp/100, and comparing
	// against the quotient can't overflow near MaxInt64
	q := xp / 100
	level := int64(math.Sqrt(float64(q)))
	// correct float rounding at exact level boundaries
	for level > 0 && level*level > q {
		level--
	}
	for (level+1)*(level+1) <= q {
		level++
	}
	return level
}

// XPForLevel returns the total XP needed to reach level (level² × 100)
func XPForLevel(level int64) int64 {
	return level * level * 100
}

// grantXP adds amount to the member's XP. The increment is a single
// UPDATE and the level is computed from the row re-read after it, inside
// the same transaction, so concurrent grants never lose XP and only the
// grant that crosses a threshold reports the level-up.
func (s *Store) grantXP(
	ctx context.Context,
	guildID string,
	userID string,
	amount int64,
	countMessage bool,
) (XPGrant, error) {
	var grant XPGrant
	now := s.nowMillis()
	values := map[string]any{
		"xp":           gorm.Expr("xp + ?", amount),
		"last_xp_gain": now,
	}
	if countMessage {
		values["messages"] = gorm.Expr("messages + 1")
	}

	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rec := LevelRecord{GuildID: guildID, UserID: userID}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
				return err
			}
			if err := tx.Model(&LevelRecord{}).
				Where("guild_id = ? AND user_id = ?", guildID, userID).
				Updates(values).Error; err != nil {
				return err
			}
			if err := tx.Where(
				"guild_id = ? AND user_id = ?",
				guildID,
				userID,
			).Take(&grant.Record).Error; err != nil {
				return err
			}

			newLevel := LevelForXP(grant.Record.XP)
			grant.NewLevel = newLevel
			if newLevel > grant.Record.Level {
				if err := tx.Model(&LevelRecord{}).
					Where("guild_id = ? AND user_id = ?", guildID, userID).
					Update("level", newLevel).Error; err != nil {
					return err
				}
				grant.Record.Level = newLevel
				grant.LeveledUp = true
			}
			return nil
		},
	)
	if err != nil {
		return grant, fmt.Errorf("error granting xp: %w", err)
	}
	return grant, nil
}

// GrantXP adds amount XP for a message sent in the guild, incrementing
// the message counter.
func (s *Store) GrantXP(ctx context.Context, guildID, userID string, amount int64) (
	XPGrant,
	error,
) {
	return s.grantXP(ctx, guildID, userID, amount, true)
}

// GrantVoiceXP adds amount XP for time spent in voice
func (s *Store) GrantVoiceXP(ctx context.Context, guildID, userID string, amount int64) (
	XPGrant,
	error,
) {
	return s.grantXP(ctx, guildID, userID, amount, false)
}

// GetLevel returns the member's record, or a zero record if they've
// never earned XP in the guild.
func (s *Store) GetLevel(ctx context.Context, guildID, userID string) (LevelRecord, error) {
	rec := LevelRecord{GuildID: guildID, UserID: userID}
	err := s.reader(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Take(&rec).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return rec, fmt.Errorf("error getting level: %w", err)
	}
	return rec, nil
}

// Leaderboard returns the guild's top members by level, then XP
func (s *Store) Leaderboard(ctx context.Context, guildID string, limit int) (
	[]LevelRecord,
	error,
) {
	if limit <= 0 {
		limit = defaultLeaderboardLimit
	}
	limit = min(limit, maxLeaderboardLimit)

	var records []LevelRecord
	err := s.reader(ctx).
		Where("guild_id = ?", guildID).
		Order("level DESC").
		Order("xp DESC").
		Order("user_id ASC").
		Limit(limit).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("error getting leaderboard: %w", err)
	}
	return records, nil
}

// Rank returns the member's 1-based leaderboard position, or 0 if they
// have no record in the guild.
func (s *Store) Rank(ctx context.Context, guildID, userID string) (int64, error) {
	rec, err := s.GetLevel(ctx, guildID, userID)
	if err != nil {
		return 0, err
	}
	if rec.CreatedAt == 0 {
		return 0, nil
	}
	var ahead int64
	err = s.reader(ctx).Model(&LevelRecord{}).
		Where("guild_id = ?", guildID).
		Where(
			"level > ? OR (level = ? AND xp > ?) OR (level = ? AND xp = ? AND user_id < ?)",
			rec.Level, rec.Level, rec.XP, rec.Level, rec.XP, rec.UserID,
		).
		Count(&ahead).Error
	if err != nil {
		return 0, fmt.Errorf("error getting rank: %w", err)
	}
	return ahead + 1, nil
}
