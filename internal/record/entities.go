package record

import (
	"fmt"
	"time"
)

// Progress tracks how far a user has listened into an episode.
// One row per (user, episode); position is denormalized from the player.
type Progress struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	EpisodeID    string `json:"episode_id"`
	PositionSecs int    `json:"position_secs"`
	DurationSecs int    `json:"duration_secs,omitempty"`
	Completed    bool   `json:"completed"`

	Meta
}

// RecordID implements Syncable.
func (p *Progress) RecordID() string { return p.ID }

// SyncMeta implements Syncable.
func (p *Progress) SyncMeta() *Meta { return &p.Meta }

// Validate implements Syncable.
func (p *Progress) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if p.EpisodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	if p.PositionSecs < 0 {
		return fmt.Errorf("position_secs must not be negative (got %d)", p.PositionSecs)
	}
	return p.ValidateMeta()
}

// Comment is a reply within a discussion starter on an episode.
// ParentID is empty for top-level comments.
type Comment struct {
	ID        string `json:"id"`
	StarterID string `json:"starter_id"`
	ParentID  string `json:"parent_id,omitempty"`
	EpisodeID string `json:"episode_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`

	Meta
}

// RecordID implements Syncable.
func (c *Comment) RecordID() string { return c.ID }

// SyncMeta implements Syncable.
func (c *Comment) SyncMeta() *Meta { return &c.Meta }

// Validate implements Syncable.
func (c *Comment) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.StarterID == "" {
		return fmt.Errorf("starter_id is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if c.Content == "" && !c.IsDeleted() {
		return fmt.Errorf("content is required")
	}
	if len(c.Content) > 4000 {
		return fmt.Errorf("content must be 4000 characters or less (got %d)", len(c.Content))
	}
	return c.ValidateMeta()
}

// Profile is a member profile. Descriptive fields are denormalized from the
// backend; the avatar URL points at remote-owned storage.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	Bio         string `json:"bio,omitempty"`

	Meta
}

// RecordID implements Syncable.
func (p *Profile) RecordID() string { return p.ID }

// SyncMeta implements Syncable.
func (p *Profile) SyncMeta() *Meta { return &p.Meta }

// Validate implements Syncable.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.DisplayName == "" {
		return fmt.Errorf("display_name is required")
	}
	return p.ValidateMeta()
}

// Selection is one episode picked for a given club week.
type Selection struct {
	ID        string    `json:"id"`
	WeekStart time.Time `json:"week_start"`
	EpisodeID string    `json:"episode_id"`
	Rank      int       `json:"rank"`
	Theme     string    `json:"theme,omitempty"`

	Meta
}

// RecordID implements Syncable.
func (s *Selection) RecordID() string { return s.ID }

// SyncMeta implements Syncable.
func (s *Selection) SyncMeta() *Meta { return &s.Meta }

// Validate implements Syncable.
func (s *Selection) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("id is required")
	}
	if s.WeekStart.IsZero() {
		return fmt.Errorf("week_start is required")
	}
	if s.EpisodeID == "" {
		return fmt.Errorf("episode_id is required")
	}
	return s.ValidateMeta()
}

// Notification is an in-app notification row. Payload holds a kind-specific
// JSON document the UI renders from.
type Notification struct {
	ID      string `json:"id"`
	UserID  string `json:"user_id"`
	Kind    string `json:"kind"`
	Payload string `json:"payload,omitempty"`
	Read    bool   `json:"read"`

	Meta
}

// RecordID implements Syncable.
func (n *Notification) RecordID() string { return n.ID }

// SyncMeta implements Syncable.
func (n *Notification) SyncMeta() *Meta { return &n.Meta }

// Validate implements Syncable.
func (n *Notification) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("id is required")
	}
	if n.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if n.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	return n.ValidateMeta()
}
