package models

import "time"

// TriageRecord logs the outcome folder chosen for one image.
type TriageRecord struct {
	ID            uint `gorm:"primaryKey"`
	CreatedAt     time.Time
	SourceImage   string `gorm:"size:512;not null;index"`
	Destination   string `gorm:"size:1024"`
	Outcome       string `gorm:"size:64;not null;index"`
	Reason        string `gorm:"size:255"`
	TemplateID    int
	ChangedFields int
}
