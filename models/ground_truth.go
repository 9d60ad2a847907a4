package models

import "time"

// GroundTruthPair is one written crop and its confirmed label.
type GroundTruthPair struct {
	ID          uint `gorm:"primaryKey"`
	CreatedAt   time.Time
	SourceImage string  `gorm:"size:512;not null;index"`
	Field       string  `gorm:"size:128;not null;index"`
	CropName    string  `gorm:"size:512;not null;uniqueIndex"`
	Label       string  `gorm:"size:512"`
	Original    *string `gorm:"size:512"` // value stored before the correction
	TemplateID  int     `gorm:"index"`
}
