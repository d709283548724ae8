package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/storage/codec"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// RedisConfig holds configuration for Redis checkpoint storage
type RedisConfig struct {
	Addr         string        `json:"addr" mapstructure:"addr"`
	Password     string        `json:"password" mapstructure:"password"`
	DB           int           `json:"db" mapstructure:"db"`
	KeyPrefix    string        `json:"key_prefix" mapstructure:"key_prefix"`
	DialTimeout  time.Duration `json:"dial_timeout" mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	PoolSize     int           `json:"pool_size" mapstructure:"pool_size"`
	MaxRetries   int           `json:"max_retries" mapstructure:"max_retries"`
	Compression  bool          `json:"compression" mapstructure:"compression"`
}

// RedisStorage keeps each checkpoint blob under its own key, with an
// epoch-scored sorted set as the index and a hash of metadata per
// checkpoint.
type RedisStorage struct {
	config *RedisConfig
	client redis.UniversalClient
	logger *logrus.Logger
	mu     sync.RWMutex
}

// NewRedisStorage creates a new Redis checkpoint store. Connect must be
// called before use unless a client is injected with WithClient.
func NewRedisStorage(config *RedisConfig, logger *logrus.Logger) (*RedisStorage, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Redis config cannot be nil")
	}
	if config.Addr == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "Redis address is required")
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &RedisStorage{config: config, logger: logger}, nil
}

// WithClient uses an existing client instead of dialing Addr
func (r *RedisStorage) WithClient(client redis.UniversalClient) *RedisStorage {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = client
	return r
}

// Connect dials Redis and checks it answers PING
func (r *RedisStorage) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         r.config.Addr,
		Password:     r.config.Password,
		DB:           r.config.DB,
		DialTimeout:  r.config.DialTimeout,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
		PoolSize:     r.config.PoolSize,
		MaxRetries:   r.config.MaxRetries,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("failed to connect to Redis at %s", r.config.Addr))
	}
	r.client = client

	r.logger.WithFields(logrus.Fields{
		"addr":       r.config.Addr,
		"db":         r.config.DB,
		"key_prefix": r.config.KeyPrefix,
	}).Info("Connected to Redis")

	return nil
}

// Close closes the client
func (r *RedisStorage) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

// Location returns the redis:// URL checkpoints are stored under
func (r *RedisStorage) Location() string {
	return fmt.Sprintf("redis://%s/%d/%s", r.config.Addr, r.config.DB, r.config.KeyPrefix)
}

func (r *RedisStorage) getClient() (redis.UniversalClient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.client == nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "Redis storage is not connected")
	}
	return r.client, nil
}

// Save writes the blob, its metadata and its index entry in one transaction
func (r *RedisStorage) Save(ctx context.Context, checkpoint *models.Checkpoint) (string, error) {
	client, err := r.getClient()
	if err != nil {
		return "", err
	}

	data, err := codec.Encode(checkpoint, r.config.Compression)
	if err != nil {
		return "", err
	}

	key := checkpoint.Key()
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.blobKey(key), data, 0)
		pipe.HSet(ctx, r.metaKey(key),
			"run_id", checkpoint.RunID,
			"size", len(data),
			"modified_at", time.Now().UnixNano(),
		)
		pipe.ZAdd(ctx, r.indexKey(), &redis.Z{
			Score:  float64(checkpoint.Epoch),
			Member: key,
		})
		return nil
	})
	if err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to write checkpoint to Redis")
	}

	r.logger.WithFields(logrus.Fields{
		"key":   key,
		"bytes": len(data),
	}).Debug("Checkpoint written to Redis")

	return key, nil
}

// Load reads the checkpoint stored under key
func (r *RedisStorage) Load(ctx context.Context, key string) (*models.Checkpoint, error) {
	client, err := r.getClient()
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, r.blobKey(key)).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, errors.NewStorageError(errors.CodeCheckpointNotFound,
			fmt.Sprintf("checkpoint '%s' not found in %s", key, r.Location()))
	}
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read checkpoint from Redis")
	}

	return codec.Decode(data)
}

// Latest loads the checkpoint with the highest epoch
func (r *RedisStorage) Latest(ctx context.Context) (*models.Checkpoint, error) {
	infos, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.NewStorageError(errors.CodeCheckpointNotFound,
			fmt.Sprintf("no checkpoints in %s", r.Location()))
	}
	return r.Load(ctx, infos[len(infos)-1].Key)
}

// List reads the index and the metadata of every entry, oldest epoch first
func (r *RedisStorage) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	client, err := r.getClient()
	if err != nil {
		return nil, err
	}

	keys, err := client.ZRange(ctx, r.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints in Redis")
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := client.Pipeline()
	metas := make([]*redis.StringStringMapCmd, len(keys))
	for i, key := range keys {
		metas[i] = pipe.HGetAll(ctx, r.metaKey(key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read checkpoint metadata from Redis")
	}

	infos := make([]interfaces.CheckpointInfo, 0, len(keys))
	for i, key := range keys {
		name, epoch, valLoss, ok := codec.ParseObjectName(codec.ObjectName(key))
		if !ok {
			r.logger.WithField("key", key).Warn("Skipping unrecognised checkpoint index entry")
			continue
		}
		info := interfaces.CheckpointInfo{Key: name, Epoch: epoch, ValidationLoss: valLoss}
		meta := metas[i].Val()
		if size, err := strconv.ParseInt(meta["size"], 10, 64); err == nil {
			info.Size = size
		}
		if ns, err := strconv.ParseInt(meta["modified_at"], 10, 64); err == nil {
			info.ModifiedAt = time.Unix(0, ns)
		}
		infos = append(infos, info)
	}

	interfaces.SortCheckpoints(infos)
	return infos, nil
}

func (r *RedisStorage) indexKey() string {
	return r.config.KeyPrefix + ":checkpoints"
}

func (r *RedisStorage) blobKey(key string) string {
	return r.config.KeyPrefix + ":checkpoint:" + key
}

func (r *RedisStorage) metaKey(key string) string {
	return r.config.KeyPrefix + ":meta:" + key
}
