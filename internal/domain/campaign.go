package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign. Campaign
// management happens outside this process; the dequeue path only needs to
// know which states block sending.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignCompleted CampaignStatus = "completed"
)

// Campaign is the slice of campaign state the orchestrator reads. Queue
// items may reference a campaign; items of paused or cancelled campaigns
// are never claimed.
type Campaign struct {
	ID        string         `json:"id" db:"id"`
	Name      string         `json:"name" db:"name"`
	Status    CampaignStatus `json:"status" db:"status"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
}

// Sendable reports whether this campaign's queued items may be claimed.
func (c *Campaign) Sendable() bool {
	return c.Status != CampaignPaused && c.Status != CampaignCancelled
}
