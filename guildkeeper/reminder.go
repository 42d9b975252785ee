package guildkeeper

import (
	"context"
	"fmt"
	"time"
)

type ReminderDelivery string

const (
	ReminderDeliveryNone    ReminderDelivery = ""
	ReminderDeliveryDM      ReminderDelivery = "dm"
	ReminderDeliveryChannel ReminderDelivery = "channel"
	ReminderDeliveryFailed  ReminderDelivery = "failed"

	maxReminderMessageLength = 1000
	maxPendingReminders      = 25
)

// Reminder is a one-shot message to deliver to a user at RemindAt.
// Once Completed is set it's never delivered again.
type Reminder struct {
	ModelUintID
	UserID    string  `gorm:"not null;index" json:"user_id"`
	ChannelID string  `gorm:"not null" json:"channel_id"`
	GuildID   *string `json:"guild_id"`
	Message   string  `gorm:"not null" json:"message"`

	// RemindAt is the Unix millisecond time the reminder is due
	RemindAt  int64 `gorm:"not null;index:idx_reminder_due,priority:2" json:"remind_at"`
	Completed Flag  `gorm:"not null;index:idx_reminder_due,priority:1" json:"completed"`

	// DeliveredVia records how the reminder was delivered (or that it
	// couldn't be)
	DeliveredVia ReminderDelivery `gorm:"not null;default:''" json:"delivered_via"`

	ModelUnixTime
}

func (Reminder) TableName() string {
	return "reminders"
}

func (r Reminder) DueAt() time.Time {
	return time.UnixMilli(r.RemindAt).UTC()
}

// CreateReminder stores a new pending reminder
func (s *Store) CreateReminder(
	ctx context.Context,
	userID string,
	channelID string,
	guildID *string,
	message string,
	remindAt time.Time,
) (*Reminder, error) {
	r := &Reminder{
		UserID:    userID,
		ChannelID: channelID,
		GuildID:   guildID,
		Message:   truncate(message, maxReminderMessageLength),
		RemindAt:  remindAt.UTC().UnixMilli(),
	}
	if _, err := s.db.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("error creating reminder: %w", err)
	}
	return r, nil
}

// DueReminders returns every pending reminder whose time has come,
// oldest first.
func (s *Store) DueReminders(ctx context.Context) ([]Reminder, error) {
	var reminders []Reminder
	err := s.reader(ctx).
		Where("completed = ? AND remind_at <= ?", Flag(false), s.nowMillis()).
		Order("remind_at ASC").
		Order("id ASC").
		Find(&reminders).Error
	if err != nil {
		return nil, fmt.Errorf("error getting due reminders: %w", err)
	}
	return reminders, nil
}

// MarkReminderCompleted marks the reminder as delivered. Completing an
// already-completed reminder is a no-op.
func (s *Store) MarkReminderCompleted(
	ctx context.Context,
	id uint,
	via ReminderDelivery,
) error {
	_, err := s.db.UpdatesWhere(
		ctx,
		&Reminder{},
		map[string]any{
			"completed":     Flag(true),
			"delivered_via": via,
		},
		"id = ? AND completed = ?",
		id,
		Flag(false),
	)
	if err != nil {
		return fmt.Errorf("error completing reminder: %w", err)
	}
	return nil
}

// PendingReminders returns the user's reminders that haven't been
// delivered, soonest first.
func (s *Store) PendingReminders(ctx context.Context, userID string) ([]Reminder, error) {
	var reminders []Reminder
	err := s.reader(ctx).
		Where("user_id = ? AND completed = ?", userID, Flag(false)).
		Order("remind_at ASC").
		Limit(maxPendingReminders).
		Find(&reminders).Error
	if err != nil {
		return nil, fmt.Errorf("error getting reminders: %w", err)
	}
	return reminders, nil
}

// CancelReminder deletes a pending reminder owned by the user. Returns
// false if there was no such reminder.
func (s *Store) CancelReminder(ctx context.Context, userID string, id uint) (bool, error) {
	n, err := s.db.Delete(
		ctx,
		&Reminder{},
		"id = ? AND user_id = ? AND completed = ?",
		id,
		userID,
		Flag(false),
	)
	if err != nil {
		return false, fmt.Errorf("error cancelling reminder: %w", err)
	}
	return n == 1, nil
}
