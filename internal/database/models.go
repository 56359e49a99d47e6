package database

import (
	"time"

	"gorm.io/gorm"
)

// JobRecord is a finished download job
type JobRecord struct {
	ID             string    `gorm:"primaryKey" json:"id"`
	URL            string    `gorm:"not null;index" json:"url"`
	Kind           string    `gorm:"not null;index" json:"kind"` // video, audio
	Quality        string    `gorm:"not null" json:"quality"`
	DestinationDir string    `gorm:"not null" json:"destination_dir"`
	Title          string    `gorm:"" json:"title"`
	State          string    `gorm:"not null;index" json:"state"` // completed, failed, canceled
	IsCollection   bool      `gorm:"default:false" json:"is_collection"`
	ItemCount      int       `gorm:"default:0" json:"item_count"`
	DoneCount      int       `gorm:"default:0" json:"done_count"`
	Progress       float64   `gorm:"default:0.0" json:"progress"`
	ErrorKind      string    `gorm:"" json:"error_kind"`
	ErrorMessage   string    `gorm:"" json:"error_message"`
	Summary        string    `gorm:"not null" json:"summary"`
	Warnings       string    `gorm:"" json:"warnings"` // one per line
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
	FinishedAt     time.Time `gorm:"index" json:"finished_at"`

	Children []ChildRecord `gorm:"foreignKey:JobID;constraint:OnDelete:CASCADE" json:"children"`
}

// TableName overrides the table name
func (JobRecord) TableName() string {
	return "jobs"
}

// ChildRecord is one item of a finished job
type ChildRecord struct {
	ID           uint    `gorm:"primaryKey" json:"id"`
	JobID        string  `gorm:"not null;index" json:"job_id"`
	ItemIndex    int     `gorm:"not null" json:"item_index"`
	SourceURL    string  `gorm:"not null" json:"source_url"`
	SourceID     string  `gorm:"" json:"source_id"`
	Title        string  `gorm:"" json:"title"`
	OutputPath   string  `gorm:"" json:"output_path"`
	State        string  `gorm:"not null" json:"state"` // done, failed, canceled
	Progress     float64 `gorm:"default:0.0" json:"progress"`
	Attempts     int     `gorm:"default:0" json:"attempts"`
	ErrorKind    string  `gorm:"" json:"error_kind"`
	ErrorMessage string  `gorm:"" json:"error_message"`
}

// TableName overrides the table name
func (ChildRecord) TableName() string {
	return "job_children"
}

// Migrate runs database migrations
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&JobRecord{},
		&ChildRecord{},
	)
}
