// Package storage selects the checkpoint backend for a location.
package storage

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/storage/implementations/file"
	"github.com/inferloop/vaeanomaly/internal/storage/implementations/redis"
	"github.com/inferloop/vaeanomaly/internal/storage/implementations/s3"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
)

// Config selects and configures the checkpoint backend. Location is a
// directory, an s3://bucket/prefix URL or a redis://host:port/db URL.
type Config struct {
	Location    string            `json:"location" mapstructure:"location"`
	Compression bool              `json:"compression" mapstructure:"compression"`
	S3          s3.S3Config       `json:"s3" mapstructure:"s3"`
	Redis       redis.RedisConfig `json:"redis" mapstructure:"redis"`
}

// Type returns the backend the location resolves to
func (c *Config) Type() string {
	switch {
	case strings.HasPrefix(c.Location, "s3://"):
		return constants.StorageTypeS3
	case strings.HasPrefix(c.Location, "redis://"):
		return constants.StorageTypeRedis
	default:
		return constants.StorageTypeFile
	}
}

// NewStore creates and connects the checkpoint store for config.Location
func NewStore(ctx context.Context, config *Config, logger *logrus.Logger) (interfaces.CheckpointStore, error) {
	if config == nil || config.Location == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "checkpoint location is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	var (
		store interfaces.CheckpointStore
		err   error
	)
	switch config.Type() {
	case constants.StorageTypeS3:
		store, err = newS3Store(ctx, config, logger)
	case constants.StorageTypeRedis:
		store, err = newRedisStore(ctx, config, logger)
	default:
		store, err = file.NewFileStorage(&file.FileStorageConfig{
			BasePath:    config.Location,
			Compression: config.Compression,
		}, logger)
	}
	if err != nil {
		return nil, err
	}

	logger.WithFields(logrus.Fields{
		"storage_type": config.Type(),
		"location":     store.Location(),
	}).Info("Created checkpoint store")

	return store, nil
}

func newS3Store(ctx context.Context, config *Config, logger *logrus.Logger) (*s3.S3Storage, error) {
	bucket, prefix, err := ParseS3Location(config.Location)
	if err != nil {
		return nil, err
	}

	s3Config := config.S3
	s3Config.Bucket = bucket
	s3Config.Prefix = prefix
	s3Config.Compression = config.Compression

	store, err := s3.NewS3Storage(&s3Config, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// ParseS3Location splits s3://bucket/some/prefix into bucket and prefix
func ParseS3Location(location string) (bucket, prefix string, err error) {
	u, err := url.Parse(location)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", errors.NewConfigurationError(errors.CodeInvalidConfig,
			fmt.Sprintf("invalid S3 location %q, expected s3://bucket/prefix", location))
	}
	return u.Host, strings.Trim(u.Path, "/"), nil
}

func newRedisStore(ctx context.Context, config *Config, logger *logrus.Logger) (*redis.RedisStorage, error) {
	redisConfig := config.Redis
	if err := ParseRedisLocation(config.Location, &redisConfig); err != nil {
		return nil, err
	}
	redisConfig.Compression = config.Compression

	store, err := redis.NewRedisStorage(&redisConfig, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Connect(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// ParseRedisLocation fills the address, password, database and key prefix
// of config from redis://[:password@]host:port[/db][?prefix=name]. Fields
// the URL leaves out keep their configured values.
func ParseRedisLocation(location string, config *redis.RedisConfig) error {
	invalid := errors.NewConfigurationError(errors.CodeInvalidConfig,
		fmt.Sprintf("invalid Redis location %q, expected redis://host:port/db", location))

	u, err := url.Parse(location)
	if err != nil || u.Scheme != "redis" || u.Host == "" {
		return invalid
	}
	config.Addr = u.Host
	if password, ok := u.User.Password(); ok {
		config.Password = password
	}
	if db := strings.Trim(u.Path, "/"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil || n < 0 {
			return invalid
		}
		config.DB = n
	}
	if prefix := u.Query().Get("prefix"); prefix != "" {
		config.KeyPrefix = prefix
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = constants.AppName
	}
	return nil
}
