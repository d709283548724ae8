package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/storage/codec"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/interfaces"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// S3Config holds configuration for S3 checkpoint storage
type S3Config struct {
	Region          string `json:"region" mapstructure:"region"`
	Bucket          string `json:"bucket" mapstructure:"bucket"`
	Prefix          string `json:"prefix" mapstructure:"prefix"`
	AccessKeyID     string `json:"access_key_id" mapstructure:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" mapstructure:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty" mapstructure:"session_token"`
	Endpoint        string `json:"endpoint,omitempty" mapstructure:"endpoint"`
	ForcePathStyle  bool   `json:"force_path_style" mapstructure:"force_path_style"`
	DisableSSL      bool   `json:"disable_ssl" mapstructure:"disable_ssl"`
	MaxRetries      int    `json:"max_retries" mapstructure:"max_retries"`
	Compression     bool   `json:"compression" mapstructure:"compression"`
	StorageClass    string `json:"storage_class" mapstructure:"storage_class"`
}

// S3Storage stores checkpoints as objects under a bucket prefix
type S3Storage struct {
	config   *S3Config
	s3Client s3iface.S3API
	logger   *logrus.Logger
	mu       sync.RWMutex
}

// NewS3Storage creates a new S3 checkpoint store. Connect must be called
// before use unless a client is injected with WithClient.
func NewS3Storage(config *S3Config, logger *logrus.Logger) (*S3Storage, error) {
	if config == nil {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "S3 config cannot be nil")
	}
	if config.Bucket == "" {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig, "S3 bucket is required")
	}
	if logger == nil {
		logger = logrus.New()
	}

	return &S3Storage{config: config, logger: logger}, nil
}

// WithClient uses an existing S3 client instead of creating a session
func (s *S3Storage) WithClient(client s3iface.S3API) *S3Storage {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.s3Client = client
	return s
}

// Connect creates the AWS session and checks that the bucket is reachable
func (s *S3Storage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.s3Client != nil {
		return nil
	}

	awsConfig := &aws.Config{
		Region:     aws.String(s.config.Region),
		MaxRetries: aws.Int(s.config.MaxRetries),
	}

	if s.config.AccessKeyID != "" && s.config.SecretAccessKey != "" {
		awsConfig.Credentials = credentials.NewStaticCredentials(
			s.config.AccessKeyID,
			s.config.SecretAccessKey,
			s.config.SessionToken,
		)
	}

	// S3-compatible services
	if s.config.Endpoint != "" {
		awsConfig.Endpoint = aws.String(s.config.Endpoint)
		awsConfig.S3ForcePathStyle = aws.Bool(s.config.ForcePathStyle)
	}

	if s.config.DisableSSL {
		awsConfig.DisableSSL = aws.Bool(true)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to create AWS session")
	}
	client := s3.New(sess)

	_, err = client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.config.Bucket),
	})
	if err != nil {
		return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed,
			fmt.Sprintf("failed to access bucket '%s'", s.config.Bucket))
	}
	s.s3Client = client

	s.logger.WithFields(logrus.Fields{
		"region": s.config.Region,
		"bucket": s.config.Bucket,
		"prefix": s.config.Prefix,
	}).Info("Connected to S3")

	return nil
}

// Location returns the s3:// URL checkpoints are stored under
func (s *S3Storage) Location() string {
	if s.config.Prefix == "" {
		return "s3://" + s.config.Bucket
	}
	return "s3://" + path.Join(s.config.Bucket, s.config.Prefix)
}

func (s *S3Storage) client() (s3iface.S3API, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.s3Client == nil {
		return nil, errors.NewStorageError(errors.CodeReadFailed, "S3 not connected")
	}
	return s.s3Client, nil
}

// Save uploads the checkpoint and returns its key
func (s *S3Storage) Save(ctx context.Context, checkpoint *models.Checkpoint) (string, error) {
	client, err := s.client()
	if err != nil {
		return "", err
	}

	data, err := codec.Encode(checkpoint, s.config.Compression)
	if err != nil {
		return "", err
	}

	start := time.Now()
	key := checkpoint.Key()

	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.config.Bucket),
		Key:         aws.String(s.generateKey(key)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/msgpack"),
		Metadata: map[string]*string{
			"run-id":          aws.String(checkpoint.RunID),
			"epoch":           aws.String(fmt.Sprintf("%d", checkpoint.Epoch)),
			"validation-loss": aws.String(fmt.Sprintf("%g", checkpoint.ValidationLoss)),
		},
	}
	if s.config.StorageClass != "" {
		input.StorageClass = aws.String(s.config.StorageClass)
	}

	if _, err := client.PutObjectWithContext(ctx, input); err != nil {
		return "", errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to upload checkpoint to S3")
	}

	s.logger.WithFields(logrus.Fields{
		"key":      key,
		"bytes":    len(data),
		"duration": time.Since(start),
	}).Debug("Checkpoint uploaded")

	return key, nil
}

// Load downloads the checkpoint stored under key
func (s *S3Storage) Load(ctx context.Context, key string) (*models.Checkpoint, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	out, err := client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.config.Bucket),
		Key:    aws.String(s.generateKey(key)),
	})
	if err != nil {
		if aerr, ok := err.(awserr.Error); ok && aerr.Code() == s3.ErrCodeNoSuchKey {
			return nil, errors.NewStorageError(errors.CodeCheckpointNotFound,
				fmt.Sprintf("checkpoint '%s' not found in %s", key, s.Location()))
		}
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to download checkpoint from S3")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to read checkpoint body")
	}

	return codec.Decode(data)
}

// Latest loads the checkpoint with the highest epoch
func (s *S3Storage) Latest(ctx context.Context) (*models.Checkpoint, error) {
	infos, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, errors.NewStorageError(errors.CodeCheckpointNotFound,
			fmt.Sprintf("no checkpoints in %s", s.Location()))
	}
	return s.Load(ctx, infos[len(infos)-1].Key)
}

// List lists checkpoint objects under the prefix, oldest epoch first
func (s *S3Storage) List(ctx context.Context) ([]interfaces.CheckpointInfo, error) {
	client, err := s.client()
	if err != nil {
		return nil, err
	}

	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.config.Bucket),
		Prefix: aws.String(s.prefix()),
	}

	var infos []interfaces.CheckpointInfo
	err = client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastPage bool) bool {
			for _, obj := range page.Contents {
				name := aws.StringValue(obj.Key)
				key, epoch, valLoss, ok := codec.ParseObjectName(name)
				if !ok || s.generateKey(key) != name {
					continue
				}
				infos = append(infos, interfaces.CheckpointInfo{
					Key:            key,
					Epoch:          epoch,
					ValidationLoss: valLoss,
					Size:           aws.Int64Value(obj.Size),
					ModifiedAt:     aws.TimeValue(obj.LastModified),
				})
			}
			return true
		})
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeReadFailed, "failed to list checkpoints in S3")
	}

	interfaces.SortCheckpoints(infos)
	return infos, nil
}

func (s *S3Storage) prefix() string {
	prefix := s.config.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (s *S3Storage) generateKey(key string) string {
	return path.Join(s.prefix(), codec.ObjectName(key))
}
