package guildkeeper

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Todos, notes and playlists belong to one user. Every mutation is scoped
// by the owner's ID, so an attempt on someone else's item reports false
// (or nil) exactly as if the item didn't exist.

type Todo struct {
	ModelUintID
	UserID  string `gorm:"not null;index" json:"user_id"`
	Content string `gorm:"not null" json:"content" binding:"required,max=500"`
	Done    Flag   `gorm:"not null" json:"done"`
	ModelUnixTime
}

func (Todo) TableName() string {
	return "todos"
}

func (s *Store) AddTodo(ctx context.Context, userID, content string) (*Todo, error) {
	t := &Todo{UserID: userID, Content: content}
	if err := structValidator.Struct(t); err != nil {
		return nil, fmt.Errorf("invalid todo: %w", err)
	}
	if _, err := s.db.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("error adding todo: %w", err)
	}
	return t, nil
}

func (s *Store) Todos(ctx context.Context, userID string) ([]Todo, error) {
	var todos []Todo
	if err := s.reader(ctx).Where("user_id = ?", userID).Order("id").Find(&todos).Error; err != nil {
		return nil, fmt.Errorf("error listing todos: %w", err)
	}
	return todos, nil
}

func (s *Store) SetTodoDone(ctx context.Context, userID string, id uint, done bool) (bool, error) {
	n, err := s.db.UpdatesWhere(
		ctx,
		&Todo{},
		map[string]any{"done": Flag(done)},
		"id = ? AND user_id = ?",
		id,
		userID,
	)
	if err != nil {
		return false, fmt.Errorf("error updating todo: %w", err)
	}
	return n == 1, nil
}

func (s *Store) DeleteTodo(ctx context.Context, userID string, id uint) (bool, error) {
	n, err := s.db.Delete(ctx, &Todo{}, "id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, fmt.Errorf("error deleting todo: %w", err)
	}
	return n == 1, nil
}

type Note struct {
	ModelUintID
	UserID  string `gorm:"not null;index" json:"user_id"`
	Title   string `gorm:"not null" json:"title" binding:"required,max=100"`
	Content string `gorm:"not null" json:"content" binding:"max=4000"`
	ModelUnixTime
}

func (Note) TableName() string {
	return "notes"
}

func (s *Store) AddNote(ctx context.Context, userID, title, content string) (*Note, error) {
	n := &Note{UserID: userID, Title: title, Content: content}
	if err := structValidator.Struct(n); err != nil {
		return nil, fmt.Errorf("invalid note: %w", err)
	}
	if _, err := s.db.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("error adding note: %w", err)
	}
	return n, nil
}

// GetNote returns the user's note, or nil if it doesn't exist or
// belongs to someone else.
func (s *Store) GetNote(ctx context.Context, userID string, id uint) (*Note, error) {
	var n Note
	err := s.reader(ctx).Where("id = ? AND user_id = ?", id, userID).Take(&n).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting note: %w", err)
	}
	return &n, nil
}

func (s *Store) Notes(ctx context.Context, userID string) ([]Note, error) {
	var notes []Note
	if err := s.reader(ctx).Where("user_id = ?", userID).Order("id").Find(&notes).Error; err != nil {
		return nil, fmt.Errorf("error listing notes: %w", err)
	}
	return notes, nil
}

func (s *Store) DeleteNote(ctx context.Context, userID string, id uint) (bool, error) {
	n, err := s.db.Delete(ctx, &Note{}, "id = ? AND user_id = ?", id, userID)
	if err != nil {
		return false, fmt.Errorf("error deleting note: %w", err)
	}
	return n == 1, nil
}

// Playlist is a named, ordered list of tracks saved by a user
type Playlist struct {
	ModelUintID
	OwnerID string          `gorm:"not null;uniqueIndex:idx_playlist_name" json:"owner_id"`
	Name    string          `gorm:"not null;uniqueIndex:idx_playlist_name" json:"name" binding:"required,max=100"`
	Tracks  []PlaylistTrack `gorm:"constraint:OnDelete:CASCADE" json:"tracks,omitempty"`
	ModelUnixTime
}

func (Playlist) TableName() string {
	return "playlists"
}

type PlaylistTrack struct {
	ModelUintID
	PlaylistID uint   `gorm:"not null;index" json:"playlist_id"`
	Position   int    `gorm:"not null" json:"position"`
	Title      string `gorm:"not null" json:"title" binding:"required,max=200"`
	URL        string `gorm:"column:url;not null" json:"url" binding:"required,url"`
	ModelUnixTime
}

func (PlaylistTrack) TableName() string {
	return "playlist_tracks"
}

func (s *Store) CreatePlaylist(ctx context.Context, ownerID, name string) (*Playlist, error) {
	p := &Playlist{OwnerID: ownerID, Name: name}
	if err := structValidator.Struct(p); err != nil {
		return nil, fmt.Errorf("invalid playlist: %w", err)
	}
	if _, err := s.db.Create(ctx, p); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("playlist %q already exists: %w", name, err)
		}
		return nil, fmt.Errorf("error creating playlist: %w", err)
	}
	return p, nil
}

// GetPlaylist returns the owner's playlist with its tracks in order, or
// nil if it isn't theirs.
func (s *Store) GetPlaylist(ctx context.Context, ownerID string, id uint) (*Playlist, error) {
	var p Playlist
	err := s.reader(ctx).
		Preload(
			"Tracks", func(db *gorm.DB) *gorm.DB {
				return db.Order("position ASC")
			},
		).
		Where("id = ? AND owner_id = ?", id, ownerID).
		Take(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("error getting playlist: %w", err)
	}
	return &p, nil
}

func (s *Store) Playlists(ctx context.Context, ownerID string) ([]Playlist, error) {
	var playlists []Playlist
	err := s.reader(ctx).Where("owner_id = ?", ownerID).Order("name").Find(&playlists).Error
	if err != nil {
		return nil, fmt.Errorf("error listing playlists: %w", err)
	}
	return playlists, nil
}

// AddTrack appends a track to the owner's playlist. Returns nil if the
// playlist isn't theirs.
func (s *Store) AddTrack(
	ctx context.Context,
	ownerID string,
	playlistID uint,
	title string,
	url string,
) (*PlaylistTrack, error) {
	track := &PlaylistTrack{PlaylistID: playlistID, Title: title, URL: url}
	if err := structValidator.Struct(track); err != nil {
		return nil, fmt.Errorf("invalid track: %w", err)
	}
	var added bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var owned int64
			if err := tx.Model(&Playlist{}).
				Where("id = ? AND owner_id = ?", playlistID, ownerID).
				Count(&owned).Error; err != nil {
				return err
			}
			if owned == 0 {
				return nil
			}
			var last struct{ Max *int }
			if err := tx.Model(&PlaylistTrack{}).
				Select("MAX(position) AS max").
				Where("playlist_id = ?", playlistID).
				Scan(&last).Error; err != nil {
				return err
			}
			if last.Max != nil {
				track.Position = *last.Max + 1
			}
			added = true
			return tx.Create(track).Error
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error adding track: %w", err)
	}
	if !added {
		return nil, nil
	}
	return track, nil
}

// RemoveTrack deletes a track from the owner's playlist
func (s *Store) RemoveTrack(ctx context.Context, ownerID string, playlistID, trackID uint) (
	bool,
	error,
) {
	var removed bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			var owned int64
			if err := tx.Model(&Playlist{}).
				Where("id = ? AND owner_id = ?", playlistID, ownerID).
				Count(&owned).Error; err != nil {
				return err
			}
			if owned == 0 {
				return nil
			}
			rv := tx.Where("id = ? AND playlist_id = ?", trackID, playlistID).Delete(&PlaylistTrack{})
			removed = rv.RowsAffected == 1
			return rv.Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error removing track: %w", err)
	}
	return removed, nil
}

// DeletePlaylist deletes the owner's playlist and its tracks
func (s *Store) DeletePlaylist(ctx context.Context, ownerID string, id uint) (bool, error) {
	var deleted bool
	err := s.db.Transaction(
		ctx, func(tx *gorm.DB) error {
			rv := tx.Where("id = ? AND owner_id = ?", id, ownerID).Delete(&Playlist{})
			if rv.Error != nil {
				return rv.Error
			}
			if rv.RowsAffected == 0 {
				return nil
			}
			deleted = true
			return tx.Where("playlist_id = ?", id).Delete(&PlaylistTrack{}).Error
		},
	)
	if err != nil {
		return false, fmt.Errorf("error deleting playlist: %w", err)
	}
	return deleted, nil
}
