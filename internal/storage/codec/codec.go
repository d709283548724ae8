// Package codec serialises checkpoints and maps checkpoint keys to object
// names shared by every checkpoint store.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

var gzipMagic = []byte{0x1f, 0x8b}

// Encode serialises a checkpoint with msgpack, optionally gzip-compressed
func Encode(checkpoint *models.Checkpoint, compress bool) ([]byte, error) {
	if checkpoint == nil {
		return nil, errors.NewStorageError(errors.CodeWriteFailed, "checkpoint cannot be nil")
	}
	if checkpoint.Version == 0 {
		checkpoint.Version = constants.CheckpointFormatVersion
	}

	data, err := msgpack.Marshal(checkpoint)
	if err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to serialise checkpoint")
	}
	if !compress {
		return data, nil
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(data); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to compress checkpoint")
	}
	if err := gz.Close(); err != nil {
		return nil, errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeWriteFailed, "failed to compress checkpoint")
	}
	return buf.Bytes(), nil
}

// Decode reverses Encode. Compressed payloads are detected by their gzip
// header. The decoded checkpoint is validated before it is returned.
func Decode(data []byte) (*models.Checkpoint, error) {
	if bytes.HasPrefix(data, gzipMagic) {
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, corrupted(err, "failed to decompress checkpoint")
		}
		defer gz.Close()

		data, err = io.ReadAll(gz)
		if err != nil {
			return nil, corrupted(err, "failed to decompress checkpoint")
		}
	}

	var checkpoint models.Checkpoint
	if err := msgpack.Unmarshal(data, &checkpoint); err != nil {
		return nil, corrupted(err, "failed to decode checkpoint")
	}
	if checkpoint.Version < 1 || checkpoint.Version > constants.CheckpointFormatVersion {
		return nil, errors.NewStorageError(errors.CodeCheckpointCorrupted,
			fmt.Sprintf("unsupported checkpoint format version %d", checkpoint.Version))
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, corrupted(err, "invalid checkpoint")
	}
	return &checkpoint, nil
}

func corrupted(err error, message string) error {
	return errors.WrapError(err, errors.ErrorTypeStorage, errors.CodeCheckpointCorrupted, message)
}

// ObjectName returns the file or object name a key is stored under
func ObjectName(key string) string {
	return key + constants.CheckpointExtension
}

// ParseObjectName extracts the key, epoch and validation loss from an
// object name. Names that were not produced by ObjectName are rejected.
func ParseObjectName(name string) (key string, epoch int, valLoss float64, ok bool) {
	base := path.Base(name)
	if !strings.HasSuffix(base, constants.CheckpointExtension) {
		return "", 0, 0, false
	}
	key = strings.TrimSuffix(base, constants.CheckpointExtension)

	if _, err := fmt.Sscanf(key, "vae_epoch-%d_val-%g", &epoch, &valLoss); err != nil {
		return "", 0, 0, false
	}
	if models.CheckpointKey(epoch, valLoss) != key {
		return "", 0, 0, false
	}
	return key, epoch, valLoss, true
}
