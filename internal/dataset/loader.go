package dataset

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/errors"
)

// Batch is a materialised set of images with their labels. A batch is never
// modified after the loader returns it.
type Batch struct {
	Images *tensor.Tensor
	Labels []string
	Paths  []string
}

// Len returns the number of images in the batch
func (b *Batch) Len() int {
	return len(b.Labels)
}

// Image returns image i as a [1, C, H, W] tensor sharing the batch data
func (b *Batch) Image(i int) *tensor.Tensor {
	shape := b.Images.Shape()
	t, err := tensor.New(append([]int{1}, shape[1:]...), b.Images.Sample(i))
	if err != nil {
		panic(err)
	}
	return t
}

// LoaderConfig configures a Loader
type LoaderConfig struct {
	BatchSize int
	ImageSize int
	Channels  int
	Shuffle   bool
	Seed      uint64
	Workers   int
	DropLast  bool
}

// Loader iterates an ImageFolder in batches. Images of a batch are decoded
// concurrently on a bounded worker pool, and the following batch is loaded
// in the background while the caller works on the current one. Files that
// cannot be decoded are logged and left out of their batch.
type Loader struct {
	dataset *ImageFolder
	config  LoaderConfig
	logger  *logrus.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	order   []int
	cursor  int
	pending *prefetch
}

// prefetch is a batch being loaded in the background
type prefetch struct {
	done  chan struct{}
	batch *Batch
	err   error
}

// NewLoader creates a loader positioned at the start of the first epoch
func NewLoader(ds *ImageFolder, config LoaderConfig, logger *logrus.Logger) (*Loader, error) {
	if config.BatchSize < 1 {
		return nil, errors.NewConfigurationError(errors.CodeInvalidConfig,
			fmt.Sprintf("batch size must be at least 1, got %d", config.BatchSize))
	}
	if config.Workers < 1 {
		config.Workers = 1
	}
	if logger == nil {
		logger = logrus.New()
	}

	l := &Loader{
		dataset: ds,
		config:  config,
		logger:  logger,
		rng:     rand.New(rand.NewPCG(config.Seed, config.Seed)),
	}
	l.Reset()
	return l, nil
}

// Reset starts a new epoch, reshuffling when configured. A batch still
// loading in the background is discarded.
func (l *Loader) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.Shuffle {
		l.order = l.rng.Perm(l.dataset.Len())
	} else {
		l.order = make([]int, l.dataset.Len())
		for i := range l.order {
			l.order[i] = i
		}
	}
	l.cursor = 0
	l.pending = nil
}

// NumBatches returns the number of batches per epoch
func (l *Loader) NumBatches() int {
	n := l.dataset.Len()
	if l.config.DropLast {
		return n / l.config.BatchSize
	}
	return (n + l.config.BatchSize - 1) / l.config.BatchSize
}

// Next returns the next batch of the epoch, or io.EOF when it is exhausted.
// Batches in which no image could be decoded are skipped.
func (l *Loader) Next(ctx context.Context) (*Batch, error) {
	for {
		batch, err := l.next(ctx)
		if err != nil || batch.Len() > 0 {
			return batch, err
		}
	}
}

func (l *Loader) next(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	current := l.pending
	if current == nil {
		current = l.startLocked(ctx)
	}
	if current == nil {
		l.pending = nil
		l.mu.Unlock()
		return nil, io.EOF
	}
	l.pending = l.startLocked(ctx)
	l.mu.Unlock()

	select {
	case <-current.done:
		return current.batch, current.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startLocked claims the next batch of indices and loads it in the
// background. It returns nil when the epoch is exhausted.
func (l *Loader) startLocked(ctx context.Context) *prefetch {
	remaining := len(l.order) - l.cursor
	size := min(l.config.BatchSize, remaining)
	if size == 0 || (l.config.DropLast && size < l.config.BatchSize) {
		return nil
	}
	indices := l.order[l.cursor : l.cursor+size]
	l.cursor += size

	p := &prefetch{done: make(chan struct{})}
	go func() {
		defer close(p.done)
		p.batch, p.err = l.load(ctx, indices)
	}()
	return p
}

func (l *Loader) load(ctx context.Context, indices []int) (*Batch, error) {
	size, channels := l.config.ImageSize, l.config.Channels
	images := tensor.Zeros(len(indices), channels, size, size)
	labels := make([]string, len(indices))
	paths := make([]string, len(indices))
	loaded := make([]bool, len(indices))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.config.Workers)

	for slot, idx := range indices {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			path, label, err := l.dataset.Item(idx)
			if err != nil {
				return err
			}
			img, err := LoadImage(path, size, channels)
			if err != nil {
				l.logger.WithFields(logrus.Fields{
					"path":  path,
					"class": label,
					"error": err,
				}).Warn("Skipping unreadable image")
				return nil
			}
			copy(images.Sample(slot), img.Data())
			labels[slot] = label
			paths[slot] = path
			loaded[slot] = true
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		l.logger.WithFields(logrus.Fields{
			"root":  l.dataset.Root(),
			"error": err,
		}).Error("Failed to load batch")
		return nil, err
	}

	kept := 0
	for slot, ok := range loaded {
		if !ok {
			continue
		}
		if kept != slot {
			copy(images.Sample(kept), images.Sample(slot))
			labels[kept] = labels[slot]
			paths[kept] = paths[slot]
		}
		kept++
	}
	if kept < len(indices) {
		trimmed := tensor.Zeros(kept, channels, size, size)
		copy(trimmed.Data(), images.Data()[:kept*images.SampleSize()])
		images = trimmed
	}

	return &Batch{
		Images: images,
		Labels: labels[:kept],
		Paths:  paths[:kept],
	}, nil
}
