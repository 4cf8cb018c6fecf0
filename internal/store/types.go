package store

import (
	"time"
)

// StudyInfo is the listing row for a persisted study.
type StudyInfo struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	CatalogVersion string    `json:"catalog_version"`
	CaseCount      int       `json:"case_count"`
	StageCount     int       `json:"stage_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	StudyID   string     `json:"study_id,omitempty"`
	CaseName  string     `json:"case_name,omitempty"`
	StageName string     `json:"stage_name,omitempty"`
	EventType string     `json:"event_type,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}
