package api

import (
	"fmt"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/mkravn/callfence/internal/service"
)

type CreateEntryRequest struct {
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
	Label   string `json:"label,omitempty"`
}

type EntryResponse struct {
	ID      string `json:"id"`
	Pattern string `json:"pattern"`
	Action  string `json:"action"`
	Label   string `json:"label,omitempty"`
	Pending bool   `json:"pending"`

	AddedAt     *time.Time `json:"added_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type EntriesListResponse struct {
	Entries []*EntryResponse `json:"entries"`
}

type StatusResponse struct {
	State       string `json:"state"`
	StateReason string `json:"state_reason,omitempty"`

	PendingCount int `json:"pending_count"`
	TotalCount   int `json:"total_count"`

	InstalledVersion string `json:"installed_version,omitempty"`
	AvailableVersion string `json:"available_version,omitempty"`
}

func parseActionParam(s string) (core.Action, error) {
	switch s {
	case "block":
		return core.ActionBlock, nil
	case "identify":
		return core.ActionIdentify, nil
	default:
		return "", fmt.Errorf("api: unknown action %q", s)
	}
}

func actionParam(a core.Action) string {
	switch a {
	case core.ActionBlock:
		return "block"
	case core.ActionIdentify:
		return "identify"
	case core.ActionRemove:
		return "remove"
	default:
		return "unknown"
	}
}

func stateParam(s core.UpdateState) string {
	switch s {
	case core.UpdateStateIdle:
		return "idle"
	case core.UpdateStateStarting:
		return "starting"
	case core.UpdateStateDownloading:
		return "downloading"
	case core.UpdateStateConverting:
		return "converting"
	case core.UpdateStateInstalling:
		return "installing"
	case core.UpdateStateRemoving:
		return "removing"
	case core.UpdateStateError:
		return "error"
	default:
		return "unknown"
	}
}

func NewEntryResponse(entry *core.Entry) *EntryResponse {
	if entry == nil {
		return nil
	}

	time1 := copyTime(entry.AddedAt)
	time2 := copyTime(entry.CompletedAt)

	return &EntryResponse{
		ID:      entry.ID,
		Pattern: entry.Pattern,
		Action:  actionParam(entry.Action),
		Label:   entry.Label,
		Pending: entry.Pending(),

		AddedAt:     time1,
		CompletedAt: time2,
	}
}

func NewEntriesListResponse(entries []*core.Entry) *EntriesListResponse {
	resp := &EntriesListResponse{
		Entries: make([]*EntryResponse, 0, len(entries)),
	}
	for _, e := range entries {
		if e == nil {
			continue
		}
		resp.Entries = append(resp.Entries, NewEntryResponse(e))
	}
	return resp
}

func NewStatusResponse(st *service.Status) *StatusResponse {
	if st == nil {
		return nil
	}
	return &StatusResponse{
		State:       stateParam(st.State),
		StateReason: st.StateReason,

		PendingCount: st.PendingCount,
		TotalCount:   st.TotalCount,

		InstalledVersion: st.InstalledVersion,
		AvailableVersion: st.AvailableVersion,
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	nt := *t
	return &nt
}
