package retention

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// Job is a registry record for a submitted workload. The scheduler
// only ever reads and deletes these; they are written by the job
// orchestration layer.
type Job struct {
	ID        uint   `gorm:"primarykey"`
	JobID     string `gorm:"uniqueIndex"`
	Tenant    string `gorm:"index"`
	Status    string
	CreatedAt time.Time `gorm:"index"`
}

// Artifact is a registry record for a job output. Key doubles as the
// prefix under which results derived from the artifact are cached.
type Artifact struct {
	ID        uint   `gorm:"primarykey"`
	Key       string `gorm:"uniqueIndex"`
	Tenant    string `gorm:"index"`
	JobID     string `gorm:"index"`
	SizeBytes int64
	CreatedAt time.Time `gorm:"index"`
}

// Registry enumerates and deletes jobs and artifacts for the prune
// scheduler. A limit of zero or less means no limit.
type Registry interface {
	JobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Job, error)
	ArtifactsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Artifact, error)
	// ArtifactsOverCap returns, oldest first, each tenant's artifacts
	// beyond its newest max per-tenant entries.
	ArtifactsOverCap(ctx context.Context, max int) ([]Artifact, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteArtifact(ctx context.Context, key string) error
}

// GormRegistry is the database-backed Registry used by the daemon.
type GormRegistry struct {
	db *gorm.DB
}

var _ Registry = (*GormRegistry)(nil)

func NewGormRegistry(db *gorm.DB) (*GormRegistry, error) {
	if err := db.AutoMigrate(&Job{}, &Artifact{}); err != nil {
		return nil, err
	}
	return &GormRegistry{db: db}, nil
}

func (r *GormRegistry) JobsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Job, error) {
	var jobs []Job
	q := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (r *GormRegistry) ArtifactsOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]Artifact, error) {
	var artifacts []Artifact
	q := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&artifacts).Error; err != nil {
		return nil, err
	}
	return artifacts, nil
}

func (r *GormRegistry) ArtifactsOverCap(ctx context.Context, max int) ([]Artifact, error) {
	if max <= 0 {
		return nil, nil
	}

	type tenantCount struct {
		Tenant string
		N      int
	}
	var counts []tenantCount
	err := r.db.WithContext(ctx).Model(&Artifact{}).
		Select("tenant, count(*) as n").
		Group("tenant").
		Having("count(*) > ?", max).
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}

	var out []Artifact
	for _, tc := range counts {
		var extra []Artifact
		err := r.db.WithContext(ctx).
			Where("tenant = ?", tc.Tenant).
			Order("created_at ASC").
			Limit(tc.N - max).
			Find(&extra).Error
		if err != nil {
			return nil, err
		}
		out = append(out, extra...)
	}
	return out, nil
}

func (r *GormRegistry) DeleteJob(ctx context.Context, jobID string) error {
	return r.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&Job{}).Error
}

func (r *GormRegistry) DeleteArtifact(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).Where("key = ?", key).Delete(&Artifact{}).Error
}
