// Package history persists finished download jobs
package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sahilm/fuzzy"
	"gorm.io/gorm"

	"github.com/0x3EF8/Micro-Downloader/internal/database"
	"github.com/0x3EF8/Micro-Downloader/internal/downloader"
)

// ErrNotFound is returned when no record matches an id
var ErrNotFound = errors.New("history entry not found")

// Service stores and queries download history
type Service struct {
	db *gorm.DB
}

// SortOrder defines the sorting order for history items
type SortOrder string

const (
	SortRecentFirst SortOrder = "recent_first"
	SortOldestFirst SortOrder = "oldest_first"
	SortTitleAsc    SortOrder = "title_asc"
	SortTitleDesc   SortOrder = "title_desc"
)

// FilterOptions defines filtering options for history queries
type FilterOptions struct {
	State       downloader.State // completed, failed, canceled, or empty for all
	Kind        downloader.Kind  // video, audio, or empty for all
	SearchQuery string           // fuzzy match on title and URL
	Since       time.Time
	Limit       int // 0 = no limit
	Offset      int
	SortBy      SortOrder
}

// Stats summarizes stored history
type Stats struct {
	TotalJobs     int64
	Completed     int64
	Failed        int64
	Canceled      int64
	Files         int64 // children that produced a file
	FailedItems   int64
	CollectionJob int64
}

// NewService creates a new history service
func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// Record stores a terminal job with its children. Recording the same job
// twice replaces the earlier record.
func (s *Service) Record(ctx context.Context, job downloader.Job) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}
	if !job.State.IsTerminal() {
		return fmt.Errorf("job %s is not finished (%s)", job.ID, job.State)
	}

	rec := toRecord(job)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", rec.ID).Delete(&database.ChildRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear previous items: %w", err)
		}
		if err := tx.Where("id = ?", rec.ID).Delete(&database.JobRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear previous record: %w", err)
		}
		if err := tx.Create(&rec).Error; err != nil {
			return fmt.Errorf("failed to save history: %w", err)
		}
		return nil
	})
}

// List returns history records with optional filtering and sorting.
// Children are not loaded; use Get for a full record.
func (s *Service) List(ctx context.Context, opts FilterOptions) ([]database.JobRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	query := s.db.WithContext(ctx).Model(&database.JobRecord{})

	if opts.State != "" {
		query = query.Where("state = ?", string(opts.State))
	}
	if opts.Kind != "" {
		query = query.Where("kind = ?", string(opts.Kind))
	}
	if !opts.Since.IsZero() {
		query = query.Where("finished_at >= ?", opts.Since)
	}

	switch opts.SortBy {
	case SortOldestFirst:
		query = query.Order("finished_at ASC")
	case SortTitleAsc:
		query = query.Order("title ASC")
	case SortTitleDesc:
		query = query.Order("title DESC")
	default:
		query = query.Order("finished_at DESC")
	}

	search := strings.TrimSpace(opts.SearchQuery)
	if search == "" {
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Offset(opts.Offset)
		}
	}

	var records []database.JobRecord
	if err := query.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}

	if search != "" {
		records = fuzzyFilter(records, search)
		records = page(records, opts.Offset, opts.Limit)
	}
	return records, nil
}

// Get returns one record with its children
func (s *Service) Get(ctx context.Context, id string) (*database.JobRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	var rec database.JobRecord
	err := s.db.WithContext(ctx).
		Preload("Children", func(db *gorm.DB) *gorm.DB { return db.Order("item_index ASC") }).
		First(&rec, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get history entry: %w", err)
	}
	return &rec, nil
}

// Delete removes one record
func (s *Service) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&database.ChildRecord{}).Error; err != nil {
			return fmt.Errorf("failed to delete history items: %w", err)
		}
		res := tx.Where("id = ?", id).Delete(&database.JobRecord{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete history entry: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil
	})
}

// Stats counts stored jobs and items
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database connection is nil")
	}

	db := s.db.WithContext(ctx)
	stats := &Stats{}

	counts := []struct {
		dst   *int64
		model any
		where string
		args  []any
	}{
		{&stats.TotalJobs, &database.JobRecord{}, "", nil},
		{&stats.Completed, &database.JobRecord{}, "state = ?", []any{string(downloader.StateCompleted)}},
		{&stats.Failed, &database.JobRecord{}, "state = ?", []any{string(downloader.StateFailed)}},
		{&stats.Canceled, &database.JobRecord{}, "state = ?", []any{string(downloader.StateCanceled)}},
		{&stats.CollectionJob, &database.JobRecord{}, "is_collection = ?", []any{true}},
		{&stats.Files, &database.ChildRecord{}, "state = ?", []any{string(downloader.ChildDone)}},
		{&stats.FailedItems, &database.ChildRecord{}, "state = ?", []any{string(downloader.ChildFailed)}},
	}
	for _, c := range counts {
		q := db.Model(c.model)
		if c.where != "" {
			q = q.Where(c.where, c.args...)
		}
		if err := q.Count(c.dst).Error; err != nil {
			return nil, fmt.Errorf("failed to count history: %w", err)
		}
	}

	return stats, nil
}

// Cleanup removes records finished before the cutoff
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("database connection is nil")
	}

	cutoff := time.Now().Add(-olderThan)
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		old := tx.Model(&database.JobRecord{}).Select("id").Where("finished_at < ?", cutoff)
		if err := tx.Where("job_id IN (?)", old).Delete(&database.ChildRecord{}).Error; err != nil {
			return err
		}
		res := tx.Where("finished_at < ?", cutoff).Delete(&database.JobRecord{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up history: %w", err)
	}
	return removed, nil
}

// Clear removes every record
func (s *Service) Clear(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database connection is nil")
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&database.ChildRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear history items: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&database.JobRecord{}).Error; err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		return nil
	})
}

func toRecord(job downloader.Job) database.JobRecord {
	rec := database.JobRecord{
		ID:             job.ID,
		URL:            job.Request.URL,
		Kind:           string(job.Request.Kind),
		Quality:        string(job.Request.Quality),
		DestinationDir: job.Request.DestinationDir,
		Title:          job.Title,
		State:          string(job.State),
		IsCollection:   job.IsCollection,
		ItemCount:      len(job.Children),
		DoneCount:      job.DoneCount(),
		Progress:       job.AggregateProgress,
		Summary:        job.Summary(),
		CreatedAt:      job.CreatedAt,
		FinishedAt:     time.Now(),
	}
	if job.FinishedAt != nil {
		rec.FinishedAt = *job.FinishedAt
	}
	if job.Err != nil {
		rec.ErrorKind = job.Err.Kind.String()
		rec.ErrorMessage = job.Err.Message
	}

	warnings := make([]string, 0, len(job.Warnings))
	for _, w := range job.Warnings {
		warnings = append(warnings, w.Error())
	}
	rec.Warnings = strings.Join(warnings, "\n")

	for _, c := range job.Children {
		cr := database.ChildRecord{
			ItemIndex:  c.Index,
			SourceURL:  c.SourceURL,
			SourceID:   c.ID,
			Title:      c.Title,
			OutputPath: c.OutputPath,
			State:      string(c.State),
			Progress:   c.Progress,
			Attempts:   c.Attempts,
		}
		if c.Err != nil {
			cr.ErrorKind = c.Err.Kind.String()
			cr.ErrorMessage = c.Err.Message
		}
		rec.Children = append(rec.Children, cr)
	}
	return rec
}

// jobSource adapts records for fuzzy matching
type jobSource []database.JobRecord

func (s jobSource) String(i int) string {
	return s[i].Title + " " + s[i].URL
}

func (s jobSource) Len() int {
	return len(s)
}

// fuzzyFilter keeps records matching query, best match first
func fuzzyFilter(records []database.JobRecord, query string) []database.JobRecord {
	matches := fuzzy.FindFrom(query, jobSource(records))
	out := make([]database.JobRecord, 0, len(matches))
	for _, m := range matches {
		out = append(out, records[m.Index])
	}
	return out
}

func page(records []database.JobRecord, offset, limit int) []database.JobRecord {
	if offset > 0 {
		if offset >= len(records) {
			return nil
		}
		records = records[offset:]
	}
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records
}
