package store

import (
	"time"

	"github.com/heardly/localsync/internal/record"
)

// Table descriptors for every syncable entity. These are the only places
// that know how a record maps to SQL columns; everything else goes through
// the generic operations in table.go.

// Progress maps record.Progress onto the progress table, scoped by episode.
var Progress = Table[*record.Progress]{
	New: func() *record.Progress { return new(record.Progress) },
	Name:        "progress",
	Columns:     []string{"user_id", "episode_id", "position_secs", "duration_secs", "completed"},
	ScopeColumn: "episode_id",
	Bind: func(p *record.Progress) []any {
		return []any{p.UserID, p.EpisodeID, p.PositionSecs, p.DurationSecs, boolToInt(p.Completed)}
	},
	Scan: func(row RowScanner) (*record.Progress, error) {
		var p record.Progress
		var m metaCols
		var completed int
		dest := append([]any{&p.ID, &p.UserID, &p.EpisodeID, &p.PositionSecs, &p.DurationSecs, &completed}, m.dest()...)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		p.Completed = completed == 1
		var err error
		p.Meta, err = m.decode()
		return &p, err
	},
}

// Comments maps record.Comment onto the comments table, scoped by starter.
var Comments = Table[*record.Comment]{
	New: func() *record.Comment { return new(record.Comment) },
	Name:        "comments",
	Columns:     []string{"starter_id", "parent_id", "episode_id", "user_id", "content"},
	ScopeColumn: "starter_id",
	Bind: func(c *record.Comment) []any {
		return []any{c.StarterID, nullIfEmpty(c.ParentID), c.EpisodeID, c.UserID, c.Content}
	},
	Scan: func(row RowScanner) (*record.Comment, error) {
		var c record.Comment
		var m metaCols
		var parent stringOrNull
		dest := append([]any{&c.ID, &c.StarterID, &parent, &c.EpisodeID, &c.UserID, &c.Content}, m.dest()...)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		c.ParentID = parent.String
		var err error
		c.Meta, err = m.decode()
		return &c, err
	},
}

// Profiles maps record.Profile onto the profiles table (single global scope).
var Profiles = Table[*record.Profile]{
	New: func() *record.Profile { return new(record.Profile) },
	Name:    "profiles",
	Columns: []string{"display_name", "avatar_url", "bio"},
	Bind: func(p *record.Profile) []any {
		return []any{p.DisplayName, p.AvatarURL, p.Bio}
	},
	Scan: func(row RowScanner) (*record.Profile, error) {
		var p record.Profile
		var m metaCols
		dest := append([]any{&p.ID, &p.DisplayName, &p.AvatarURL, &p.Bio}, m.dest()...)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		var err error
		p.Meta, err = m.decode()
		return &p, err
	},
}

// Selections maps record.Selection onto the selections table, scoped by week.
var Selections = Table[*record.Selection]{
	New: func() *record.Selection { return new(record.Selection) },
	Name:        "selections",
	Columns:     []string{"week_start", "episode_id", "rank", "theme"},
	ScopeColumn: "week_start",
	Bind: func(s *record.Selection) []any {
		return []any{s.WeekStart.UTC().Format(time.RFC3339Nano), s.EpisodeID, s.Rank, s.Theme}
	},
	Scan: func(row RowScanner) (*record.Selection, error) {
		var s record.Selection
		var m metaCols
		var week string
		dest := append([]any{&s.ID, &week, &s.EpisodeID, &s.Rank, &s.Theme}, m.dest()...)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		var err error
		if s.WeekStart, err = time.Parse(time.RFC3339Nano, week); err != nil {
			return nil, err
		}
		s.Meta, err = m.decode()
		return &s, err
	},
}

// Notifications maps record.Notification onto the notifications table,
// scoped by user.
var Notifications = Table[*record.Notification]{
	New: func() *record.Notification { return new(record.Notification) },
	Name:        "notifications",
	Columns:     []string{"user_id", "kind", "payload", "read"},
	ScopeColumn: "user_id",
	Bind: func(n *record.Notification) []any {
		return []any{n.UserID, n.Kind, n.Payload, boolToInt(n.Read)}
	},
	Scan: func(row RowScanner) (*record.Notification, error) {
		var n record.Notification
		var m metaCols
		var read int
		dest := append([]any{&n.ID, &n.UserID, &n.Kind, &n.Payload, &read}, m.dest()...)
		if err := row.Scan(dest...); err != nil {
			return nil, err
		}
		n.Read = read == 1
		var err error
		n.Meta, err = m.decode()
		return &n, err
	},
}

// stringOrNull scans a nullable TEXT column into a plain string.
type stringOrNull struct {
	String string
}

func (s *stringOrNull) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		s.String = ""
	case string:
		s.String = v
	case []byte:
		s.String = string(v)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
