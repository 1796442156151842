package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/aqwacloud/transfercore/pkg/provider"
	"github.com/aqwacloud/transfercore/pkg/transfer"
)

// jobModel is the persisted shape of a transfer job.
type jobModel struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	SessionID        uuid.UUID `gorm:"type:uuid;index"`
	UserID           string    `gorm:"index"`
	SourceConnID     string
	DestConnID       string
	SourceProvider   string
	DestProvider     string
	SourceFile       string `gorm:"type:text"`
	DestFile         string `gorm:"type:text"`
	DestFolderID     string
	Status           string `gorm:"index"`
	Progress         int
	BytesTransferred int64
	TotalBytes       int64
	RetryCount       int
	MaxRetries       int
	Error            string
	Archived         bool `gorm:"index"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	StartTime        *time.Time
	EndTime          *time.Time
}

func (jobModel) TableName() string { return "transfer_jobs" }

// historyModel is one append-only ledger row, keyed by job id so a replayed
// completion cannot produce a second row.
type historyModel struct {
	JobID       uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID      string    `gorm:"index"`
	Timestamp   time.Time
	FromService string
	ToService   string
	FileNames   string `gorm:"type:text"`
	TotalBytes  int64
	Status      string
}

func (historyModel) TableName() string { return "transfer_history" }

// usageModel is the per-user aggregate row, updated in the same transaction
// as its ledger insert.
type usageModel struct {
	UserID         string `gorm:"primaryKey"`
	TotalTransfers int64
	TotalBytes     int64
	MonthKey       string
	MonthTransfers int64
	MonthBytes     int64
	UpdatedAt      time.Time
}

func (usageModel) TableName() string { return "usage_metrics" }

// GormStore is the Postgres-backed transfer.Store.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a Postgres connection and migrates the schema.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB wraps an existing gorm handle, migrating the schema.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&jobModel{}, &historyModel{}, &usageModel{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

func toModel(job *transfer.TransferJob) *jobModel {
	status, progress, transferred := job.Snapshot()
	m := &jobModel{
		ID:               job.ID,
		SessionID:        job.SessionID,
		UserID:           job.UserID,
		SourceConnID:     job.SourceConnID,
		DestConnID:       job.DestConnID,
		SourceProvider:   string(job.SourceProvider),
		DestProvider:     string(job.DestProvider),
		DestFolderID:     job.DestFolderID,
		Status:           string(status),
		Progress:         progress,
		BytesTransferred: transferred,
		TotalBytes:       job.TotalBytes,
		RetryCount:       job.RetryCount,
		MaxRetries:       job.MaxRetries,
		Error:            job.Error,
		CreatedAt:        job.CreatedAt,
		UpdatedAt:        job.UpdatedAt,
		StartTime:        job.StartTime,
		EndTime:          job.EndTime,
	}
	if job.SourceFile != nil {
		if data, err := json.Marshal(job.SourceFile); err == nil {
			m.SourceFile = string(data)
		}
	}
	if job.DestFile != nil {
		if data, err := json.Marshal(job.DestFile); err == nil {
			m.DestFile = string(data)
		}
	}
	return m
}

func fromModel(m *jobModel) *transfer.TransferJob {
	job := &transfer.TransferJob{
		ID:               m.ID,
		SessionID:        m.SessionID,
		UserID:           m.UserID,
		SourceConnID:     m.SourceConnID,
		DestConnID:       m.DestConnID,
		SourceProvider:   provider.Provider(m.SourceProvider),
		DestProvider:     provider.Provider(m.DestProvider),
		DestFolderID:     m.DestFolderID,
		Status:           transfer.JobStatus(m.Status),
		Progress:         m.Progress,
		BytesTransferred: m.BytesTransferred,
		TotalBytes:       m.TotalBytes,
		RetryCount:       m.RetryCount,
		MaxRetries:       m.MaxRetries,
		Error:            m.Error,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
		StartTime:        m.StartTime,
		EndTime:          m.EndTime,
	}
	if m.SourceFile != "" {
		var fd provider.FileDescriptor
		if err := json.Unmarshal([]byte(m.SourceFile), &fd); err == nil {
			job.SourceFile = &fd
		}
	}
	if m.DestFile != "" {
		var fd provider.FileDescriptor
		if err := json.Unmarshal([]byte(m.DestFile), &fd); err == nil {
			job.DestFile = &fd
		}
	}
	return job
}

// SaveJob upserts the job record.
func (s *GormStore) SaveJob(job *transfer.TransferJob) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(toModel(job)).Error
}

// UpdateJob loads, patches and writes the job record in one transaction.
func (s *GormStore) UpdateJob(jobID uuid.UUID, patch func(*transfer.TransferJob)) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&m, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return transfer.ErrJobNotFound
			}
			return err
		}
		job := fromModel(&m)
		patch(job)
		return tx.Save(toModel(job)).Error
	})
}

// GetJob returns the stored job.
func (s *GormStore) GetJob(jobID uuid.UUID) (*transfer.TransferJob, error) {
	var m jobModel
	if err := s.db.First(&m, "id = ?", jobID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, transfer.ErrJobNotFound
		}
		return nil, err
	}
	return fromModel(&m), nil
}

// ListJobsByUser returns the user's unarchived jobs, filtered by status
// when one is given.
func (s *GormStore) ListJobsByUser(userID string, status transfer.JobStatus) ([]*transfer.TransferJob, error) {
	query := s.db.Where("user_id = ? AND archived = false", userID)
	if status != "" {
		query = query.Where("status = ?", string(status))
	}

	var models []jobModel
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}

	jobs := make([]*transfer.TransferJob, 0, len(models))
	for i := range models {
		jobs = append(jobs, fromModel(&models[i]))
	}
	return jobs, nil
}

// ArchiveJob flags a terminal job as archived.
func (s *GormStore) ArchiveJob(jobID uuid.UUID) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var m jobModel
		if err := tx.First(&m, "id = ?", jobID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return transfer.ErrJobNotFound
			}
			return err
		}
		if !transfer.JobStatus(m.Status).Terminal() {
			return transfer.ErrJobActive
		}
		return tx.Model(&jobModel{}).Where("id = ?", jobID).
			Update("archived", true).Error
	})
}

// RecordOutcome appends the ledger row and increments the usage aggregate
// in one transaction. The ledger insert uses DO NOTHING on the job-id key;
// when the row already exists the aggregate is left untouched, making
// replays from concurrent completion paths harmless.
func (s *GormStore) RecordOutcome(entry *transfer.HistoryEntry) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		row := &historyModel{
			JobID:       entry.JobID,
			UserID:      entry.UserID,
			Timestamp:   entry.Timestamp,
			FromService: string(entry.FromService),
			ToService:   string(entry.ToService),
			FileNames:   strings.Join(entry.FileNames, "\n"),
			TotalBytes:  entry.TotalBytes,
			Status:      string(entry.Status),
		}

		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}},
			DoNothing: true,
		}).Create(row)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		month := entry.Timestamp.Format("2006-01")

		var usage usageModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&usage, "user_id = ?", entry.UserID).Error
		if err == gorm.ErrRecordNotFound {
			usage = usageModel{UserID: entry.UserID, MonthKey: month}
		} else if err != nil {
			return err
		}

		if usage.MonthKey != month {
			usage.MonthKey = month
			usage.MonthTransfers = 0
			usage.MonthBytes = 0
		}
		usage.TotalTransfers++
		usage.TotalBytes += entry.TotalBytes
		usage.MonthTransfers++
		usage.MonthBytes += entry.TotalBytes
		usage.UpdatedAt = time.Now()

		return tx.Save(&usage).Error
	})
}

// GetUsage returns the user's aggregate counters.
func (s *GormStore) GetUsage(userID string) (*transfer.Usage, error) {
	var m usageModel
	if err := s.db.First(&m, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return &transfer.Usage{}, nil
		}
		return nil, err
	}

	usage := &transfer.Usage{
		TotalTransfers: m.TotalTransfers,
		TotalBytes:     m.TotalBytes,
	}
	if m.MonthKey == time.Now().Format("2006-01") {
		usage.MonthTransfers = m.MonthTransfers
		usage.MonthBytes = m.MonthBytes
	}
	return usage, nil
}
