package file

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/storage/codec"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// FileStorageConfig contains configuration for directory-backed checkpoints
type FileStorageConfig struct {
	BasePath    string `json:"base_path" mapstructure:"base_path"`
	Compression bool   `json:"compression" mapstructure:"compression"`
	SyncWrites  bool   `json:"sync_writes" mapstructure:"sync_writes"`
}

// FileStorage keeps one checkpoint file per key in a local directory
type FileStorage struct {
	config *FileStorageConfig
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewFileStorage creates the checkpoint directory if needed
func NewFileStorage(config *FileStorageConfig, logger *logrus.Logger) (*FileStorage, error) {
	if config == nil || config.BasePath == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "checkpoint directory is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to create checkpoint directory %s", config.BasePath))
	}

	return &FileStorage{config: config, logger: logger}, nil
}

// Location returns the checkpoint directory
func (fs *FileStorage) Location() string {
	return fs.config.BasePath
}

// Save writes the checkpoint to a temporary file and renames it into place
func (fs *FileStorage) Save(ctx context.Context, checkpoint *models.Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := codec.Encode(checkpoint, fs.config.Compression)
	if err != nil {
		return "", err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	key := checkpoint.Key()
	target := filepath.Join(fs.config.BasePath, codec.ObjectName(key))

	tmp, err := os.CreateTemp(fs.config.BasePath, ".ckpt-*")
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to create temporary checkpoint file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write checkpoint")
	}
	if fs.config.SyncWrites {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to sync checkpoint")
		}
	}
	if err := tmp.Close(); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to close checkpoint")
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed,
			fmt.Sprintf("failed to move checkpoint to %s", target))
	}

	fs.logger.WithFields(logrus.Fields{
		"key":   key,
		"path":  target,
		"bytes": len(data),
	}).Debug("Checkpoint written")

	return key, nil
}

// Load reads the checkpoint stored under key
func (fs *FileStorage) Load(ctx context.Context, key string) (*models.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	path := filepath.Join(fs.config.BasePath, codec.ObjectName(key))
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStorageError(errors.CodeCheckpointNotFound,
				fmt.Sprintf("checkpoint %s not found in %s", key, fs.config.BasePath))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("failed to read %s", path))
	}

	return codec.Decode(data)
}

// Latest loads the checkpoint with the highest epoch
func (fs *FileStorage) Latest(ctx context.Context) (*models.Checkpoint, error) {
	infos, err := fs.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.NewStorageError(errors.CodeCheckpointNotFound,
			fmt.Sprintf("no checkpoints in %s", fs.config.BasePath))
	}
	return fs.Load(ctx, infos[len(infos)-1].Key)
}

// List returns the checkpoints in the directory, oldest epoch first.
// Files whose names do not parse as checkpoint keys are ignored.
func (fs *FileStorage) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()

	entries, err := os.ReadDir(fs.config.BasePath)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("failed to list %s", fs.config.BasePath))
	}

	var infos []interfaces.CheckpointInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, epoch, valLoss, ok := codec.ParseObjectName(entry.Name())
		if !ok {
			continue
		}

		info := interfaces.CheckpointInfo{Key: key, Epoch: epoch, ValidationLoss: valLoss}
		if fi, err := entry.Info(); err == nil {
			info.Size = fi.Size()
			info.ModifiedAt = fi.ModTime()
		}
		infos = append(infos, info)
	}

	interfaces.SortCheckpoints(infos)
	return infos, nil
}
