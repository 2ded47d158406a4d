package records

import (
	"context"
	"time"

	"codeberg.org/mutker/battester/internal/domain"
	"github.com/google/uuid"
)

// Repository stores completed test records.
type Repository interface {
	Save(ctx context.Context, rec *domain.TestRecord) error
	Get(ctx context.Context, id uuid.UUID) (*domain.TestRecord, error)
	List(ctx context.Context, batteryID string) ([]Summary, error)
	Close() error
}

// Summary is a record without its samples.
type Summary struct {
	ID             uuid.UUID     `yaml:"id" json:"id"`
	BatteryID      string        `yaml:"battery_id" json:"battery_id"`
	StartTime      time.Time     `yaml:"start_time" json:"start_time"`
	Samples        int           `yaml:"samples" json:"samples"`
	AmpHours       float64       `yaml:"amp_hours" json:"amp_hours"`
	Duration       time.Duration `yaml:"duration" json:"duration"`
	AverageCurrent float64       `yaml:"average_current_a" json:"average_current_a"`
}
