package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultAuditLogLimit = 50

// Warning is a moderator warning issued to a guild member
type Warning struct {
	ModelUintID
	GuildID     string `gorm:"not null;index:idx_warning_member" json:"guild_id"`
	UserID      string `gorm:"not null;index:idx_warning_member" json:"user_id"`
	ModeratorID string `gorm:"not null" json:"moderator_id"`
	Reason      string `gorm:"not null" json:"reason"`
	ModelUnixTime
}

func (Warning) TableName() string {
	return "warnings"
}

func (s *Store) AddWarning(
	ctx context.Context,
	guildID string,
	userID string,
	moderatorID string,
	reason string,
) (*Warning, error) {
	w := &Warning{GuildID: guildID, UserID: userID, ModeratorID: moderatorID, Reason: reason}
	if _, err := s.db.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("error adding warning: %w", err)
	}
	return w, nil
}

func (s *Store) Warnings(ctx context.Context, guildID, userID string) ([]Warning, error) {
	var warnings []Warning
	err := s.reader(ctx).
		Where("guild_id = ? AND user_id = ?", guildID, userID).
		Order("id ASC").
		Find(&warnings).Error
	if err != nil {
		return nil, fmt.Errorf("error listing warnings: %w", err)
	}
	return warnings, nil
}

// DeleteWarning removes one warning from the guild
func (s *Store) DeleteWarning(ctx context.Context, guildID string, id uint) (bool, error) {
	n, err := s.db.Delete(ctx, &Warning{}, "id = ? AND guild_id = ?", id, guildID)
	if err != nil {
		return false, fmt.Errorf("error deleting warning: %w", err)
	}
	return n == 1, nil
}

// ClearWarnings removes every warning of the member, returning how many
// were removed.
func (s *Store) ClearWarnings(ctx context.Context, guildID, userID string) (int64, error) {
	n, err := s.db.Delete(ctx, &Warning{}, "guild_id = ? AND user_id = ?", guildID, userID)
	if err != nil {
		return 0, fmt.Errorf("error clearing warnings: %w", err)
	}
	return n, nil
}

// AFKStatus marks a member as away in a guild
type AFKStatus struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	UserID  string `gorm:"primaryKey" json:"user_id"`
	Reason  string `gorm:"not null" json:"reason"`

	// Since is the Unix millisecond time the member went AFK
	Since int64 `gorm:"not null" json:"since"`
}

func (AFKStatus) TableName() string {
	return "afk_statuses"
}

func (s *Store) SetAFK(ctx context.Context, guildID, userID, reason string) (*AFKStatus, error) {
	a := &AFKStatus{GuildID: guildID, UserID: userID, Reason: reason, Since: s.nowMillis()}
	_, err := s.db.Upsert(
		ctx, a, clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
			UpdateAll: true,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error setting afk: %w", err)
	}
	return a, nil
}

// GetAFK returns the member's AFK status, or nil if they aren't AFK
func (s *Store) GetAFK(ctx context.Context, guildID, userID string) (*AFKStatus, error) {
	var a AFKStatus
	err := s.reader(ctx).Where("guild_id = ? AND user_id = ?", guildID, userID).Take(&a).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting afk: %w", err)
	}
	return &a, nil
}

// GetAFKs returns the AFK statuses of any of userIDs in the guild
func (s *Store) GetAFKs(ctx context.Context, guildID string, userIDs []string) (
	[]AFKStatus,
	error,
) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	var statuses []AFKStatus
	err := s.reader(ctx).
		Where("guild_id = ? AND user_id IN ?", guildID, userIDs).
		Find(&statuses).Error
	if err != nil {
		return nil, fmt.Errorf("error getting afk statuses: %w", err)
	}
	return statuses, nil
}

func (s *Store) ClearAFK(ctx context.Context, guildID, userID string) (bool, error) {
	n, err := s.db.Delete(ctx, &AFKStatus{}, "guild_id = ? AND user_id = ?", guildID, userID)
	if err != nil {
		return false, fmt.Errorf("error clearing afk: %w", err)
	}
	return n == 1, nil
}

// Birthday is a member's birthday, announced in the guild
type Birthday struct {
	GuildID string `gorm:"primaryKey" json:"guild_id"`
	UserID  string `gorm:"primaryKey" json:"user_id"`
	Month   int    `gorm:"not null;index:idx_birthday_date" json:"month" binding:"min=1,max=12"`
	Day     int    `gorm:"not null;index:idx_birthday_date" json:"day" binding:"min=1,max=31"`
	ModelUnixTime
}

func (Birthday) TableName() string {
	return "birthdays"
}

// validDate reports whether month/day exists in a leap year, so that
// February 29th is accepted.
func (b Birthday) validDate() bool {
	t := time.Date(2000, time.Month(b.Month), b.Day, 0, 0, 0, 0, time.UTC)
	return t.Month() == time.Month(b.Month) && t.Day() == b.Day
}

func (s *Store) SetBirthday(ctx context.Context, guildID, userID string, month, day int) (
	*Birthday,
	error,
) {
	b := &Birthday{GuildID: guildID, UserID: userID, Month: month, Day: day}
	if err := structValidator.Struct(b); err != nil || !b.validDate() {
		return nil, fmt.Errorf("invalid birthday %02d-%02d", month, day)
	}
	_, err := s.db.Upsert(
		ctx, b, clause.OnConflict{
			Columns:   []clause.Column{{Name: "guild_id"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"month", "day", "updated_at"}),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error setting birthday: %w", err)
	}
	return b, nil
}

func (s *Store) RemoveBirthday(ctx context.Context, guildID, userID string) (bool, error) {
	n, err := s.db.Delete(ctx, &Birthday{}, "guild_id = ? AND user_id = ?", guildID, userID)
	if err != nil {
		return false, fmt.Errorf("error removing birthday: %w", err)
	}
	return n == 1, nil
}

// BirthdaysOn returns the guild's birthdays falling on the given date.
// On non-leap years, February 29th birthdays are returned on the 28th.
func (s *Store) BirthdaysOn(ctx context.Context, guildID string, date time.Time) (
	[]Birthday,
	error,
) {
	month, day := int(date.Month()), date.Day()
	q := s.reader(ctx).Where("guild_id = ?", guildID)

	leap := time.Date(date.Year(), time.February, 29, 0, 0, 0, 0, time.UTC).Day() == 29
	if month == 2 && day == 28 && !leap {
		q = q.Where("month = 2 AND day IN ?", []int{28, 29})
	} else {
		q = q.Where("month = ? AND day = ?", month, day)
	}

	var birthdays []Birthday
	if err := q.Order("user_id").Find(&birthdays).Error; err != nil {
		return nil, fmt.Errorf("error getting birthdays: %w", err)
	}
	return birthdays, nil
}

// Confession is an anonymous post relayed to the guild's confession
// channel. Number is sequential per guild.
type Confession struct {
	ModelUintID
	GuildID   string `gorm:"not null;uniqueIndex:idx_confession_number" json:"guild_id"`
	Number    int64  `gorm:"not null;uniqueIndex:idx_confession_number" json:"number"`
	AuthorID  string `gorm:"not null" json:"-" log:"[redacted]"`
	Content   string `gorm:"not null" json:"content"`
	MessageID string `gorm:"not null;default:''" json:"message_id"`
	ModelUnixTime
}

func (Confession) TableName() string {
	return "confessions"
}

// CreateConfession stores a confession with the guild's next number
func (s *Store) CreateConfession(ctx context.Context, guildID, authorID, content string) (
	*Confession,
	error,
) {
	c := &Confession{GuildID: guildID, AuthorID: authorID, Content: content}
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var last struct{ Max *int64 }
			if err := tx.Model(&Confession{}).
				Select("MAX(number) AS max").
				Where("guild_id = ?", guildID).
				Scan(&last).Error; err != nil {
				return err
			}
			c.Number = 1
			if last.Max != nil {
				c.Number = *last.Max + 1
			}
			return tx.Create(c).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error creating confession: %w", err)
	}
	return c, nil
}

func (s *Store) SetConfessionMessage(ctx context.Context, id uint, messageID string) error {
	if _, err := s.db.Update(ctx, &Confession{ModelUintID: ModelUintID{ID: id}}, "message_id", messageID); err != nil {
		return fmt.Errorf("error updating confession: %w", err)
	}
	return nil
}

// ConfessionByNumber returns the guild's confession #number, or nil
func (s *Store) ConfessionByNumber(ctx context.Context, guildID string, number int64) (
	*Confession,
	error,
) {
	var c Confession
	err := s.reader(ctx).Where("guild_id = ? AND number = ?", guildID, number).Take(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting confession: %w", err)
	}
	return &c, nil
}

// AuditLogEntry records an administrative action taken in a guild
type AuditLogEntry struct {
	ModelUintID
	GuildID  string `gorm:"not null;index" json:"guild_id"`
	ActorID  string `gorm:"not null" json:"actor_id"`
	Action   string `gorm:"not null" json:"action"`
	TargetID string `gorm:"not null;default:''" json:"target_id,omitempty"`
	Details  string `gorm:"not null;default:''" json:"details,omitempty"`
	ModelUnixTime
}

func (AuditLogEntry) TableName() string {
	return "audit_log"
}

func (s *Store) RecordAudit(ctx context.Context, entry *AuditLogEntry) error {
	if _, err := s.db.Create(ctx, entry); err != nil {
		return fmt.Errorf("error recording audit entry: %w", err)
	}
	return nil
}

// AuditLog returns the guild's most recent entries, newest first
func (s *Store) AuditLog(ctx context.Context, guildID string, limit, offset int) (
	[]AuditLogEntry,
	error,
) {
	if limit <= 0 {
		limit = defaultAuditLogLimit
	}
	var entries []AuditLogEntry
	err := s.reader(ctx).
		Where("guild_id = ?", guildID).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("error getting audit log: %w", err)
	}
	return entries, nil
}
