package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const starboardEmoji = "⭐"

// starboardReservationTimeout is how long a reservation may go without
// its mirror being recorded before another reaction can reclaim it
const starboardReservationTimeout = time.Minute

// StarboardMessage links an original message to its starboard mirror. A
// message is mirrored at most once per guild. StarboardMessageID is empty
// while the mirror post is being created.
type StarboardMessage struct {
	ModelUintID
	GuildID            string `gorm:"not null;uniqueIndex:idx_starboard_original" json:"guild_id"`
	OriginalMessageID  string `gorm:"not null;uniqueIndex:idx_starboard_original" json:"original_message_id"`
	OriginalChannelID  string `gorm:"not null" json:"original_channel_id"`
	StarboardMessageID string `gorm:"not null;default:''" json:"starboard_message_id"`
	StarCount          int    `gorm:"not null" json:"star_count"`
	ModelUnixTime
}

func (StarboardMessage) TableName() string {
	return "starboard_messages"
}

// GetStarboardMessage returns the starboard record for the original
// message, or nil if it hasn't been starred onto the board.
func (s *Store) GetStarboardMessage(
	ctx context.Context,
	guildID string,
	originalMessageID string,
) (*StarboardMessage, error) {
	var m StarboardMessage
	err := s.reader(ctx).
		Where("guild_id = ? AND original_message_id = ?", guildID, originalMessageID).
		Take(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting starboard message: %w", err)
	}
	return &m, nil
}

// TryRegisterStarboardPost records that originalMessageID is mirrored on
// the starboard. It's a single conditional insert: when several reaction
// events race past the threshold, exactly one gets true and should post
// the mirror.
func (s *Store) TryRegisterStarboardPost(
	ctx context.Context,
	guildID string,
	originalChannelID string,
	originalMessageID string,
	starboardMessageID string,
	starCount int,
) (bool, error) {
	m := &StarboardMessage{
		GuildID:            guildID,
		OriginalChannelID:  originalChannelID,
		OriginalMessageID:  originalMessageID,
		StarboardMessageID: starboardMessageID,
		StarCount:          starCount,
	}
	now := s.nowMillis()
	m.CreatedAt = now
	m.UpdatedAt = now
	n, err := s.db.Upsert(ctx, m, clause.OnConflict{DoNothing: true})
	if err != nil {
		return false, fmt.Errorf("error registering starboard post: %w", err)
	}
	return n == 1, nil
}

// UpdateStarboardPost sets the mirror's message ID and star count
func (s *Store) UpdateStarboardPost(
	ctx context.Context,
	guildID string,
	originalMessageID string,
	starboardMessageID string,
	starCount int,
) error {
	values := map[string]any{"star_count": starCount}
	if starboardMessageID != "" {
		values["starboard_message_id"] = starboardMessageID
	}
	_, err := s.db.UpdatesWhere(
		ctx,
		&StarboardMessage{},
		values,
		"guild_id = ? AND original_message_id = ?",
		guildID,
		originalMessageID,
	)
	if err != nil {
		return fmt.Errorf("error updating starboard post: %w", err)
	}
	return nil
}

// ReclaimStarboardPost takes over a reservation whose mirror was never
// recorded (the post or its bookkeeping failed part way) once it's older
// than starboardReservationTimeout. Like TryRegisterStarboardPost, only
// one caller gets true.
func (s *Store) ReclaimStarboardPost(
	ctx context.Context,
	guildID string,
	originalMessageID string,
) (bool, error) {
	now := s.nowMillis()
	n, err := s.db.UpdatesWhere(
		ctx,
		&StarboardMessage{},
		map[string]any{"updated_at": now},
		"guild_id = ? AND original_message_id = ? AND starboard_message_id = ? AND updated_at <= ?",
		guildID,
		originalMessageID,
		"",
		now-starboardReservationTimeout.Milliseconds(),
	)
	if err != nil {
		return false, fmt.Errorf("error reclaiming starboard post: %w", err)
	}
	return n == 1, nil
}

// DeleteStarboardPost removes the record, e.g. when posting the mirror
// failed after registering it.
func (s *Store) DeleteStarboardPost(
	ctx context.Context,
	guildID string,
	originalMessageID string,
) error {
	_, err := s.db.Delete(
		ctx,
		&StarboardMessage{},
		"guild_id = ? AND original_message_id = ?",
		guildID,
		originalMessageID,
	)
	if err != nil {
		return fmt.Errorf("error deleting starboard post: %w", err)
	}
	return nil
}
