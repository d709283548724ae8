package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/internal/storage/implementations/redis"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func TestConfigType(t *testing.T) {
	assert.Equal(t, constants.StorageTypeS3, (&Config{Location: "s3://bucket/runs"}).Type())
	assert.Equal(t, constants.StorageTypeRedis, (&Config{Location: "redis://localhost:6379/0"}).Type())
	assert.Equal(t, constants.StorageTypeFile, (&Config{Location: "./checkpoints"}).Type())
}

func TestParseRedisLocation(t *testing.T) {
	var config redis.RedisConfig
	require.NoError(t, ParseRedisLocation("redis://:secret@cache:6380/3?prefix=isic", &config))
	assert.Equal(t, "cache:6380", config.Addr)
	assert.Equal(t, "secret", config.Password)
	assert.Equal(t, 3, config.DB)
	assert.Equal(t, "isic", config.KeyPrefix)

	config = redis.RedisConfig{DB: 1}
	require.NoError(t, ParseRedisLocation("redis://localhost:6379", &config))
	assert.Equal(t, 1, config.DB)
	assert.Equal(t, constants.AppName, config.KeyPrefix)

	for _, bad := range []string{"redis://", "redis://host:6379/x", "s3://bucket"} {
		assert.ErrorIs(t, ParseRedisLocation(bad, &redis.RedisConfig{}), errors.ErrConfiguration, bad)
	}
}

func TestParseS3Location(t *testing.T) {
	bucket, prefix, err := ParseS3Location("s3://models/runs/isic/")
	require.NoError(t, err)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "runs/isic", prefix)

	bucket, prefix, err = ParseS3Location("s3://models")
	require.NoError(t, err)
	assert.Equal(t, "models", bucket)
	assert.Equal(t, "", prefix)

	for _, bad := range []string{"s3://", "http://models/x", "models/x"} {
		_, _, err := ParseS3Location(bad)
		assert.ErrorIs(t, err, errors.ErrConfiguration, bad)
	}
}

func TestNewStoreFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ckpt")
	store, err := NewStore(context.Background(), &Config{Location: dir}, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, dir, store.Location())

	infos, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestNewStoreInvalid(t *testing.T) {
	_, err := NewStore(context.Background(), &Config{}, logrus.New())
	assert.ErrorIs(t, err, errors.ErrConfiguration)

	_, err = NewStore(context.Background(), &Config{Location: "s3://"}, logrus.New())
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}
