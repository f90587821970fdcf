package core

import (
	"sort"
	"time"
)

// Action is what the filtering process should do with a number.
type Action string

// Provenance says where an entry came from.
type Provenance string

const (
	ActionBlock    Action = "ACTION_BLOCK"
	ActionIdentify Action = "ACTION_IDENTIFY"
	// ActionRemove marks an entry scheduled for removal from the
	// filtering process's rule table. Such entries are transient: they
	// are deleted from the store once the removal has been dispatched.
	ActionRemove Action = "ACTION_REMOVE"

	ProvenanceRemote Provenance = "PROVENANCE_REMOTE"
	ProvenanceUser   Provenance = "PROVENANCE_USER"
)

// KnownAction reports whether a is one of the closed action set.
func KnownAction(a Action) bool {
	switch a {
	case ActionBlock, ActionIdentify, ActionRemove:
		return true
	default:
		return false
	}
}

// Entry is a persisted pattern (or literal number) with an action and
// completion status. ID equals Pattern.
type Entry struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Action  Action `json:"action"`
	Label   string `json:"label,omitempty"`

	Provenance        Provenance `json:"provenance"`
	SourceListName    string     `json:"source_list_name,omitempty"`
	SourceListVersion string     `json:"source_list_version,omitempty"`

	AddedAt *time.Time `json:"added_at"`
	// CompletedAt is nil while the entry has not yet been reflected in
	// the filtering process's rule table.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func NewRemoteEntry(pattern string, action Action, label, listName, listVersion string, now *time.Time) *Entry {
	return &Entry{
		ID:                pattern,
		Pattern:           pattern,
		Action:            action,
		Label:             label,
		Provenance:        ProvenanceRemote,
		SourceListName:    listName,
		SourceListVersion: listVersion,
		AddedAt:           now,
	}
}

func NewUserEntry(pattern string, action Action, label string, now *time.Time) *Entry {
	return &Entry{
		ID:         pattern,
		Pattern:    pattern,
		Action:     action,
		Label:      label,
		Provenance: ProvenanceUser,
		AddedAt:    now,
	}
}

// Pending reports whether the entry still has to be dispatched.
func (e *Entry) Pending() bool {
	return e.CompletedAt == nil
}

func (e *Entry) CloneEntry() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.AddedAt != nil {
		t := *e.AddedAt
		c.AddedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func CloneEntries(entries []*Entry) []*Entry {
	if len(entries) == 0 {
		return nil
	}

	res := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		res = append(res, e.CloneEntry())
	}
	return res
}

// SortEntries sorts entries in-place by AddedAt. Dispatch order follows
// this ordering inside one drain run.
func SortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		time1 := entries[i].AddedAt
		time2 := entries[j].AddedAt

		switch {
		case time1 == nil && time2 == nil:
			return entries[i].ID < entries[j].ID

		case time1 == nil:
			return false
		case time2 == nil:
			return true
		case time1.Equal(*time2):
			return entries[i].ID < entries[j].ID
		default:
			return time1.Before(*time2)
		}
	})
}
