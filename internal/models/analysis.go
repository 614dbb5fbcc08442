package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AnalysisKind string

const (
	AnalysisRealtime AnalysisKind = "realtime"
	AnalysisSummary  AnalysisKind = "summary"
)

// Analysis is the persisted output of one AI insight request. Written once.
type Analysis struct {
	ID          string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	SessionID   string       `gorm:"type:varchar(36);not null;index" json:"session_id"`
	RoomID      string       `gorm:"type:varchar(36);not null;index" json:"room_id"`
	Kind        AnalysisKind `gorm:"type:varchar(16);not null" json:"kind"`
	Content     string       `gorm:"type:text;not null" json:"content"`
	Summary     string       `gorm:"type:text" json:"summary,omitempty"`
	Insights    string       `gorm:"type:text" json:"insights,omitempty"`
	Suggestions string       `gorm:"type:text" json:"suggestions,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

func (Analysis) TableName() string { return "ai_analyses" }

func (a *Analysis) BeforeCreate(tx *gorm.DB) (err error) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	return
}
