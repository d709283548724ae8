package interfaces

import (
	"context"
	"sort"
	"time"

	"github.com/inferloop/vaeanomaly/pkg/models"
)

// CheckpointStore defines the interface for checkpoint persistence
type CheckpointStore interface {
	// Save persists a checkpoint and returns the key it was stored under
	Save(ctx context.Context, checkpoint *models.Checkpoint) (string, error)

	// Load reads the checkpoint stored under key
	Load(ctx context.Context, key string) (*models.Checkpoint, error)

	// Latest returns the most recent checkpoint by epoch
	Latest(ctx context.Context) (*models.Checkpoint, error)

	// List lists stored checkpoints, oldest epoch first
	List(ctx context.Context) ([]CheckpointInfo, error)

	// Location returns a human-readable description of where checkpoints live
	Location() string
}

// CheckpointInfo describes a stored checkpoint without loading it
type CheckpointInfo struct {
	Key            string    `json:"key"`
	Epoch          int       `json:"epoch"`
	ValidationLoss float64   `json:"validation_loss"`
	Size           int64     `json:"size"`
	ModifiedAt     time.Time `json:"modified_at"`
}

// SortCheckpoints orders checkpoints by epoch, then modification time
func SortCheckpoints(infos []CheckpointInfo) {
	sort.SliceStable(infos, func(i, j int) bool {
		if infos[i].Epoch != infos[j].Epoch {
			return infos[i].Epoch < infos[j].Epoch
		}
		return infos[i].ModifiedAt.Before(infos[j].ModifiedAt)
	})
}
