package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/storage/codec"
	"github.com/inferloop/vaeanomaly/internal/storage/implementations/file"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
)

type CheckpointCleanupConfig struct {
	CheckpointDir string `json:"checkpoint_dir"`
	KeepLatest    int    `json:"keep_latest"`
	KeepBest      bool   `json:"keep_best"`
	DryRun        bool   `json:"dry_run"`
}

type CheckpointCleaner struct {
	config *CheckpointCleanupConfig
	logger *logrus.Logger
}

type CleanupStats struct {
	FilesProcessed int64         `json:"files_processed"`
	FilesDeleted   int64         `json:"files_deleted"`
	BytesFreed     int64         `json:"bytes_freed"`
	Errors         int64         `json:"errors"`
	Duration       time.Duration `json:"duration"`
}

func main() {
	var (
		dir     = flag.String("dir", "./checkpoints", "Checkpoint directory to clean")
		keep    = flag.Int("keep", 3, "Number of most recent checkpoints to keep")
		best    = flag.Bool("keep-best", true, "Always keep the checkpoint with the lowest validation loss")
		dryRun  = flag.Bool("dry-run", false, "Perform dry run without deleting files")
		verbose = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	config := &CheckpointCleanupConfig{
		CheckpointDir: *dir,
		KeepLatest:    *keep,
		KeepBest:      *best,
		DryRun:        *dryRun,
	}

	cleaner := NewCheckpointCleaner(config, logger)

	logger.WithFields(logrus.Fields{
		"checkpoint_dir": config.CheckpointDir,
		"keep_latest":    config.KeepLatest,
		"keep_best":      config.KeepBest,
		"dry_run":        config.DryRun,
	}).Info("Starting checkpoint cleanup")

	stats, err := cleaner.Cleanup(context.Background())
	if err != nil {
		log.Fatalf("Cleanup failed: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"files_processed": stats.FilesProcessed,
		"files_deleted":   stats.FilesDeleted,
		"bytes_freed":     stats.BytesFreed,
		"errors":          stats.Errors,
		"duration":        stats.Duration.String(),
	}).Info("Checkpoint cleanup completed")

	if config.DryRun {
		fmt.Printf("DRY RUN - Would have deleted %d of %d checkpoints, freeing %d bytes\n",
			stats.FilesDeleted, stats.FilesProcessed, stats.BytesFreed)
	} else {
		fmt.Printf("Deleted %d of %d checkpoints, freed %d bytes\n",
			stats.FilesDeleted, stats.FilesProcessed, stats.BytesFreed)
	}
}

func NewCheckpointCleaner(config *CheckpointCleanupConfig, logger *logrus.Logger) *CheckpointCleaner {
	if logger == nil {
		logger = logrus.New()
	}
	return &CheckpointCleaner{
		config: config,
		logger: logger,
	}
}

// Cleanup removes every checkpoint except the KeepLatest most recent ones
// and, when KeepBest is set, the one with the lowest validation loss.
func (cc *CheckpointCleaner) Cleanup(ctx context.Context) (*CleanupStats, error) {
	start := time.Now()
	stats := &CleanupStats{}

	store, err := file.NewFileStorage(&file.FileStorageConfig{BasePath: cc.config.CheckpointDir}, cc.logger)
	if err != nil {
		return nil, err
	}
	infos, err := store.List(ctx)
	if err != nil {
		return nil, err
	}

	keep := cc.retained(infos)
	for _, info := range infos {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.FilesProcessed++
		if keep[info.Key] {
			continue
		}

		path := filepath.Join(cc.config.CheckpointDir, codec.ObjectName(info.Key))
		cc.logger.WithFields(logrus.Fields{
			"key":             info.Key,
			"epoch":           info.Epoch,
			"validation_loss": info.ValidationLoss,
			"dry_run":         cc.config.DryRun,
		}).Debug("Removing checkpoint")

		if !cc.config.DryRun {
			if err := os.Remove(path); err != nil {
				cc.logger.WithError(err).WithField("path", path).Error("Failed to remove checkpoint")
				stats.Errors++
				continue
			}
		}
		stats.FilesDeleted++
		stats.BytesFreed += info.Size
	}

	stats.Duration = time.Since(start)
	return stats, nil
}

func (cc *CheckpointCleaner) retained(infos []interfaces.CheckpointInfo) map[string]bool {
	keep := make(map[string]bool)
	for i := len(infos) - 1; i >= 0 && len(infos)-i <= cc.config.KeepLatest; i-- {
		keep[infos[i].Key] = true
	}
	if cc.config.KeepBest && len(infos) > 0 {
		best := infos[0]
		for _, info := range infos[1:] {
			if info.ValidationLoss < best.ValidationLoss {
				best = info
			}
		}
		keep[best.Key] = true
	}
	return keep
}
