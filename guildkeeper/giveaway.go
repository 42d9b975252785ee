package guildkeeper

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	maxGiveawayWinners = 20
	giveawayEmoji      = "🎉"

	// giveawayDrawGrace is how long an ended giveaway may wait for its
	// draw before the sweep takes it over
	giveawayDrawGrace = time.Minute
	// giveawayDrawWindow bounds how far back the sweep looks for ended
	// giveaways without a draw
	giveawayDrawWindow = 24 * time.Hour
)

var (
	ErrGiveawayNotFound = errors.New("giveaway not found")
	ErrGiveawayActive   = errors.New("giveaway is still active")
)

// Giveaway is a timed prize draw tied to the Discord message members
// react to. Active flips to false exactly once, by whichever caller
// ends it first.
type Giveaway struct {
	ModelUintID
	GuildID     string `gorm:"not null;index" json:"guild_id"`
	ChannelID   string `gorm:"not null" json:"channel_id"`
	MessageID   string `gorm:"not null;uniqueIndex" json:"message_id"`
	HostID      string `gorm:"not null" json:"host_id"`
	Prize       string `gorm:"not null" json:"prize"`
	WinnerCount int    `gorm:"not null" json:"winner_count" binding:"min=1,max=20"`

	// EndsAt is the Unix millisecond time the giveaway closes
	EndsAt int64 `gorm:"not null;index:idx_giveaway_expiry,priority:2" json:"ends_at"`
	Active Flag  `gorm:"not null;index:idx_giveaway_expiry,priority:1" json:"active"`

	EndedAt *int64 `json:"ended_at"`

	// DrawnAt is set once winners have been drawn for the ended giveaway
	DrawnAt *int64 `json:"drawn_at"`

	// Winners is the comma-separated list of user IDs drawn at the end
	Winners string `gorm:"not null;default:''" json:"winners"`

	ModelUnixTime
}

func (Giveaway) TableName() string {
	return "giveaways"
}

func (g Giveaway) WinnerIDs() []string {
	return splitList(g.Winners)
}

func (g Giveaway) EndTime() time.Time {
	return time.UnixMilli(g.EndsAt).UTC()
}

// GiveawayEntry is one member's entry. A member can enter a giveaway
// at most once.
type GiveawayEntry struct {
	ModelUintID
	MessageID string `gorm:"not null;uniqueIndex:idx_giveaway_entry" json:"message_id"`
	UserID    string `gorm:"not null;uniqueIndex:idx_giveaway_entry" json:"user_id"`
	ModelUnixTime
}

func (GiveawayEntry) TableName() string {
	return "giveaway_entries"
}

// GiveawayResult is the outcome of a draw
type GiveawayResult struct {
	Giveaway Giveaway
	Entrants int
	Winners  []string
}

// CreateGiveaway stores a new active giveaway for an already-posted
// message.
func (s *Store) CreateGiveaway(
	ctx context.Context,
	guildID string,
	channelID string,
	messageID string,
	hostID string,
	prize string,
	winnerCount int,
	endsAt time.Time,
) (*Giveaway, error) {
	g := &Giveaway{
		GuildID:     guildID,
		ChannelID:   channelID,
		MessageID:   messageID,
		HostID:      hostID,
		Prize:       prize,
		WinnerCount: winnerCount,
		EndsAt:      endsAt.UTC().UnixMilli(),
		Active:      true,
	}
	if err := structValidator.Struct(g); err != nil {
		return nil, fmt.Errorf("invalid giveaway: %w", err)
	}
	if _, err := s.db.Create(ctx, g); err != nil {
		return nil, fmt.Errorf("error creating giveaway: %w", err)
	}
	return g, nil
}

// GetGiveaway returns the giveaway posted as messageID, or nil
func (s *Store) GetGiveaway(ctx context.Context, messageID string) (*Giveaway, error) {
	var g Giveaway
	err := s.reader(ctx).Where("message_id = ?", messageID).Take(&g).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting giveaway: %w", err)
	}
	return &g, nil
}

// EnterGiveaway records the user's entry, if the giveaway is still
// active. Returns true only when a new entry was added: entering twice,
// or entering an ended or unknown giveaway, returns false.
func (s *Store) EnterGiveaway(ctx context.Context, messageID, userID string) (bool, error) {
	var entered bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var active int64
			if err := tx.Model(&Giveaway{}).
				Where("message_id = ? AND active = ?", messageID, Flag(true)).
				Count(&active).Error; err != nil {
				return err
			}
			if active == 0 {
				return nil
			}
			entry := GiveawayEntry{MessageID: messageID, UserID: userID}
			rv := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
			if rv.Error != nil {
				return rv.Error
			}
			entered = rv.RowsAffected == 1
			return nil
		},
	)
	if err != nil {
		return false, fmt.Errorf("error entering giveaway: %w", err)
	}
	return entered, nil
}

// LeaveGiveaway removes the user's entry while the giveaway is active
func (s *Store) LeaveGiveaway(ctx context.Context, messageID, userID string) (bool, error) {
	var left bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var active int64
			if err := tx.Model(&Giveaway{}).
				Where("message_id = ? AND active = ?", messageID, Flag(true)).
				Count(&active).Error; err != nil {
				return err
			}
			if active == 0 {
				return nil
			}
			rv := tx.Where("message_id = ? AND user_id = ?", messageID, userID).
				Delete(&GiveawayEntry{})
			left = rv.RowsAffected == 1
			return rv.Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error leaving giveaway: %w", err)
	}
	return left, nil
}

// GiveawayEntrants returns the user IDs entered in the giveaway, in
// entry order.
func (s *Store) GiveawayEntrants(ctx context.Context, messageID string) ([]string, error) {
	var userIDs []string
	err := s.reader(ctx).Model(&GiveawayEntry{}).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Pluck("user_id", &userIDs).Error
	if err != nil {
		return nil, fmt.Errorf("error getting giveaway entrants: %w", err)
	}
	return userIDs, nil
}

// EndGiveaway flips the giveaway from active to ended. The UPDATE is
// conditional on it still being active, so when several callers race
// (the sweep, a manual /giveaway end, another instance) exactly one gets
// true. Only that caller should draw and announce winners.
func (s *Store) EndGiveaway(ctx context.Context, messageID string) (bool, error) {
	n, err := s.db.UpdatesWhere(
		ctx,
		&Giveaway{},
		map[string]any{
			"active":   Flag(false),
			"ended_at": s.nowMillis(),
		},
		"message_id = ? AND active = ?",
		messageID,
		Flag(true),
	)
	if err != nil {
		return false, fmt.Errorf("error ending giveaway: %w", err)
	}
	return n == 1, nil
}

// ExpiredGiveawayGuilds returns the guilds with at least one active
// giveaway past its end time.
func (s *Store) ExpiredGiveawayGuilds(ctx context.Context) ([]string, error) {
	var guildIDs []string
	err := s.reader(ctx).Model(&Giveaway{}).
		Where("active = ? AND ends_at <= ?", Flag(true), s.nowMillis()).
		Distinct().
		Order("guild_id").
		Pluck("guild_id", &guildIDs).Error
	if err != nil {
		return nil, fmt.Errorf("error getting expired giveaway guilds: %w", err)
	}
	return guildIDs, nil
}

// ExpiredGiveaways returns the guild's active giveaways past their end
// time.
func (s *Store) ExpiredGiveaways(ctx context.Context, guildID string) ([]Giveaway, error) {
	var giveaways []Giveaway
	err := s.reader(ctx).
		Where("guild_id = ? AND active = ? AND ends_at <= ?", guildID, Flag(true), s.nowMillis()).
		Order("ends_at ASC").
		Find(&giveaways).Error
	if err != nil {
		return nil, fmt.Errorf("error getting expired giveaways: %w", err)
	}
	return giveaways, nil
}

// ActiveGiveaways returns the guild's running giveaways
func (s *Store) ActiveGiveaways(ctx context.Context, guildID string) ([]Giveaway, error) {
	var giveaways []Giveaway
	err := s.reader(ctx).
		Where("guild_id = ? AND active = ?", guildID, Flag(true)).
		Order("ends_at ASC").
		Find(&giveaways).Error
	if err != nil {
		return nil, fmt.Errorf("error getting active giveaways: %w", err)
	}
	return giveaways, nil
}

// SelectWinners shuffles entrants with Fisher-Yates and takes the first
// min(count, len(entrants)). intn must return a uniform value in [0, n).
// The input slice isn't modified.
func SelectWinners(entrants []string, count int, intn func(n int) int) []string {
	if count <= 0 || len(entrants) == 0 {
		return []string{}
	}
	if intn == nil {
		intn = rand.IntN
	}
	pool := append([]string(nil), entrants...)
	for i := len(pool) - 1; i > 0; i-- {
		j := intn(i + 1)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:min(count, len(pool))]
}

// DrawGiveaway ends the giveaway and draws its winners. It returns nil
// (and no error) when the giveaway was already ended by another caller,
// in which case nothing must be announced.
func (s *Store) DrawGiveaway(
	ctx context.Context,
	messageID string,
	intn func(n int) int,
) (*GiveawayResult, error) {
	ended, err := s.EndGiveaway(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if !ended {
		return nil, nil
	}
	return s.draw(ctx, messageID, 0, intn, true)
}

// UndrawnGiveaways returns giveaways that ended at least
// [giveawayDrawGrace] ago (and within [giveawayDrawWindow]) without a
// draw being recorded, which happens when the draw after
// [Store.EndGiveaway] fails.
func (s *Store) UndrawnGiveaways(ctx context.Context) ([]Giveaway, error) {
	var giveaways []Giveaway
	now := s.nowMillis()
	err := s.reader(ctx).
		Where(
			"active = ? AND drawn_at IS NULL AND ended_at BETWEEN ? AND ?",
			Flag(false),
			now-giveawayDrawWindow.Milliseconds(),
			now-giveawayDrawGrace.Milliseconds(),
		).
		Order("ended_at ASC").
		Find(&giveaways).Error
	if err != nil {
		return nil, fmt.Errorf("error getting undrawn giveaways: %w", err)
	}
	return giveaways, nil
}

// CompleteGiveawayDraw draws winners for an ended giveaway that has no
// draw recorded yet. Like [Store.DrawGiveaway], it returns nil when
// another caller recorded the draw first.
func (s *Store) CompleteGiveawayDraw(
	ctx context.Context,
	messageID string,
	intn func(n int) int,
) (*GiveawayResult, error) {
	return s.draw(ctx, messageID, 0, intn, true)
}

// RerollGiveaway draws new winners for an ended giveaway. count <= 0
// uses the giveaway's original winner count.
func (s *Store) RerollGiveaway(
	ctx context.Context,
	messageID string,
	count int,
	intn func(n int) int,
) (*GiveawayResult, error) {
	g, err := s.GetGiveaway(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGiveawayNotFound
	}
	if g.Active {
		return nil, ErrGiveawayActive
	}
	return s.draw(ctx, messageID, count, intn, false)
}

// draw picks winners and saves them. With firstDraw set, the save only
// applies if no draw was recorded yet, so concurrent first draws yield
// a single result.
func (s *Store) draw(
	ctx context.Context,
	messageID string,
	count int,
	intn func(n int) int,
	firstDraw bool,
) (*GiveawayResult, error) {
	g, err := s.GetGiveaway(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGiveawayNotFound
	}
	if g.Active {
		return nil, ErrGiveawayActive
	}
	if firstDraw && g.DrawnAt != nil {
		return nil, nil
	}
	entrants, err := s.GiveawayEntrants(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = g.WinnerCount
	}
	winners := SelectWinners(entrants, count, intn)

	now := s.nowMillis()
	query := "message_id = ?"
	if firstDraw {
		query = "message_id = ? AND drawn_at IS NULL"
	}
	n, err := s.db.UpdatesWhere(
		ctx,
		&Giveaway{},
		map[string]any{
			"winners":  strings.Join(winners, ","),
			"drawn_at": now,
		},
		query,
		messageID,
	)
	if err != nil {
		return nil, fmt.Errorf("error saving giveaway winners: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	g.Winners = strings.Join(winners, ",")
	g.DrawnAt = &now
	return &GiveawayResult{Giveaway: *g, Entrants: len(entrants), Winners: winners}, nil
}
