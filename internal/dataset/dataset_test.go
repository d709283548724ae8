package dataset

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/vaeanomaly/pkg/errors"
)

func writePNG(t *testing.T, path string, c color.Color, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

// createTestTree builds root/<class>/<n>.png with a solid color per class
func createTestTree(t *testing.T, counts map[string]int) string {
	t.Helper()
	root := t.TempDir()
	shade := uint8(0)
	for class, n := range counts {
		for i := 0; i < n; i++ {
			writePNG(t, filepath.Join(root, class, filepath.Base(class)+"_"+string(rune('a'+i))+".png"),
				color.RGBA{R: shade, G: shade, B: shade, A: 255}, 12)
		}
		shade += 60
	}
	return root
}

func TestDecodeImageScalesToUnitRange(t *testing.T) {
	var buf bytes.Buffer
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 255, A: 255})
		}
	}
	require.NoError(t, png.Encode(&buf, img))

	rgb, err := DecodeImage(bytes.NewReader(buf.Bytes()), 8, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 8, 8}, rgb.Shape())
	assert.InDelta(t, 1.0, rgb.At(0, 3, 3), 0.01)
	assert.InDelta(t, -1.0, rgb.At(1, 3, 3), 0.01)
	assert.InDelta(t, 1.0, rgb.At(2, 3, 3), 0.01)

	gray, err := DecodeImage(bytes.NewReader(buf.Bytes()), 8, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 8, 8}, gray.Shape())
	assert.InDelta(t, (0.299+0.114)*255/127.5-1, gray.At(0, 0, 0), 0.01)
}

func TestDecodeImageErrors(t *testing.T) {
	_, err := DecodeImage(bytes.NewReader([]byte("not an image")), 8, 3)
	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, errors.CodeImageDecode, appErr.Code)

	_, err = DecodeImage(bytes.NewReader(nil), 8, 2)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestNewImageFolder(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 3, "MEL": 2, "BCC": 1})
	require.NoError(t, os.WriteFile(filepath.Join(root, "NV", "notes.txt"), []byte("x"), 0o644))

	ds, err := NewImageFolder(root)
	require.NoError(t, err)
	assert.Equal(t, 6, ds.Len())
	assert.Equal(t, []string{"BCC", "MEL", "NV"}, ds.Classes())
	assert.Equal(t, map[string]int{"NV": 3, "MEL": 2, "BCC": 1}, ds.ClassDistribution())

	only, err := NewImageFolder(root, "NV")
	require.NoError(t, err)
	assert.Equal(t, 3, only.Len())
	assert.Equal(t, []string{"NV"}, only.Classes())

	_, err = NewImageFolder(root, "SCC")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInsufficientData)
	class, ok := errors.ClassOf(err)
	assert.True(t, ok)
	assert.Equal(t, "SCC", class)

	_, err = NewImageFolder(t.TempDir())
	assert.ErrorIs(t, err, errors.ErrEmptyDataset)
}

func TestImageFolderSplit(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 8, "MEL": 2})
	ds, err := NewImageFolder(root)
	require.NoError(t, err)

	train, val, err := ds.Split(0.8, 1)
	require.NoError(t, err)
	assert.Equal(t, 8, train.Len())
	assert.Equal(t, 2, val.Len())

	again, _, err := ds.Split(0.8, 1)
	require.NoError(t, err)
	for i := 0; i < train.Len(); i++ {
		p1, _, _ := train.Item(i)
		p2, _, _ := again.Item(i)
		assert.Equal(t, p1, p2)
	}

	_, _, err = ds.Split(1.5, 1)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestLoaderBatches(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 5, "MEL": 2})
	ds, err := NewImageFolder(root)
	require.NoError(t, err)

	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 3, ImageSize: 8, Channels: 3, Workers: 2}, logrus.New())
	require.NoError(t, err)
	assert.Equal(t, 3, loader.NumBatches())

	ctx := context.Background()
	var sizes []int
	var labels []string
	for {
		batch, err := loader.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, []int{batch.Len(), 3, 8, 8}, batch.Images.Shape())
		for _, v := range batch.Images.Data() {
			assert.GreaterOrEqual(t, v, -1.0)
			assert.LessOrEqual(t, v, 1.0)
		}
		assert.Equal(t, []int{1, 3, 8, 8}, batch.Image(0).Shape())
		sizes = append(sizes, batch.Len())
		labels = append(labels, batch.Labels...)
	}
	assert.Equal(t, []int{3, 3, 1}, sizes)
	assert.Equal(t, []string{"MEL", "MEL", "NV", "NV", "NV", "NV", "NV"}, labels)

	loader.Reset()
	batch, err := loader.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Len())
}

func TestLoaderShuffleIsSeeded(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 6})
	ds, err := NewImageFolder(root)
	require.NoError(t, err)

	order := func() []string {
		loader, err := NewLoader(ds, LoaderConfig{BatchSize: 6, ImageSize: 8, Channels: 1, Shuffle: true, Seed: 9}, nil)
		require.NoError(t, err)
		batch, err := loader.Next(context.Background())
		require.NoError(t, err)
		return batch.Paths
	}
	assert.Equal(t, order(), order())
}

func TestLoaderDropLastAndCancellation(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 5})
	ds, err := NewImageFolder(root)
	require.NoError(t, err)

	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 2, ImageSize: 8, Channels: 1, DropLast: true}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.NumBatches())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = loader.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewLoader(ds, LoaderConfig{BatchSize: 0}, nil)
	assert.ErrorIs(t, err, errors.ErrConfiguration)
}

func TestLoaderPrefetchesNextBatch(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 5})
	ds, err := NewImageFolder(root)
	require.NoError(t, err)

	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 2, ImageSize: 8, Channels: 1, Workers: 2}, nil)
	require.NoError(t, err)

	ctx := context.Background()
	var paths []string
	for i := 0; i < 3; i++ {
		batch, err := loader.Next(ctx)
		require.NoError(t, err)
		paths = append(paths, batch.Paths...)

		loader.mu.Lock()
		pending := loader.pending
		loader.mu.Unlock()
		if i < 2 {
			require.NotNil(t, pending, "batch %d", i)
			<-pending.done
			require.NoError(t, pending.err)
		} else {
			assert.Nil(t, pending)
		}
	}
	_, err = loader.Next(ctx)
	assert.Equal(t, io.EOF, err)

	for i := 0; i < ds.Len(); i++ {
		path, _, _ := ds.Item(i)
		assert.Equal(t, path, paths[i])
	}

	// a reset mid-epoch drops the prefetched batch and starts over
	loader.Reset()
	_, err = loader.Next(ctx)
	require.NoError(t, err)
	loader.Reset()
	batch, err := loader.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, paths[:2], batch.Paths)
}

func TestLoaderSkipsUnreadableImages(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 3})
	require.NoError(t, os.WriteFile(filepath.Join(root, "NV", "NV_0.png"), []byte("truncated"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "BCC"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "BCC", "broken.png"), []byte("truncated"), 0o644))

	ds, err := NewImageFolder(root)
	require.NoError(t, err)
	require.Equal(t, 5, ds.Len())

	// BCC sorts first and forms a batch with no readable image
	loader, err := NewLoader(ds, LoaderConfig{BatchSize: 1, ImageSize: 8, Channels: 1}, nil)
	require.NoError(t, err)

	var labels []string
	ctx := context.Background()
	for {
		batch, err := loader.Next(ctx)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		labels = append(labels, batch.Labels...)
	}
	assert.Equal(t, []string{"NV", "NV", "NV"}, labels)

	loader, err = NewLoader(ds, LoaderConfig{BatchSize: 5, ImageSize: 8, Channels: 1}, nil)
	require.NoError(t, err)
	batch, err := loader.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, batch.Len())
	assert.Equal(t, []int{3, 1, 8, 8}, batch.Images.Shape())
	for _, p := range batch.Paths {
		assert.NotContains(t, p, "NV_0.png")
		assert.NotContains(t, p, "broken.png")
	}
}

func TestImageFolderFilter(t *testing.T) {
	root := createTestTree(t, map[string]int{"NV": 6, "MEL": 4})
	ds, err := NewImageFolder(root)
	require.NoError(t, err)

	_, val, err := ds.Split(0.5, 3)
	require.NoError(t, err)

	nv, err := val.Filter("NV")
	require.NoError(t, err)
	assert.Equal(t, val.ClassDistribution()["NV"], nv.Len())
	assert.Equal(t, []string{"NV"}, nv.Classes())

	var want []string
	for i := 0; i < val.Len(); i++ {
		path, label, _ := val.Item(i)
		if label == "NV" {
			want = append(want, path)
		}
	}
	for i := 0; i < nv.Len(); i++ {
		path, _, _ := nv.Item(i)
		assert.Equal(t, want[i], path)
	}

	_, err = ds.Filter("SCC")
	assert.ErrorIs(t, err, errors.ErrInsufficientData)
}
