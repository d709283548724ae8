package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

// Config describes a synthetic class-per-subdirectory image folder
type Config struct {
	OutputDir string         `json:"output_dir"`
	ImageSize int            `json:"image_size"`
	Channels  int            `json:"channels"`
	Format    string         `json:"format"` // png, bmp, tiff
	Seed      uint64         `json:"seed"`
	Classes   []ClassPattern `json:"classes"`
}

// ClassPattern is the image pattern of one class
type ClassPattern struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Pattern string  `json:"pattern"` // blob, ring, streaks
	Noise   float64 `json:"noise"`
}

type Generator struct {
	config *Config
	logger *logrus.Logger
	rand   *rand.Rand
}

func main() {
	var (
		configFile = flag.String("config", "", "Configuration file path (JSON)")
		output     = flag.String("output", "testdata/images", "Output directory")
		size       = flag.Int("size", 32, "Image side length")
		channels   = flag.Int("channels", 3, "Channels (1 or 3)")
		count      = flag.Int("count", 100, "Images per class")
		format     = flag.String("format", "png", "Image format (png/bmp/tiff)")
		seed       = flag.Uint64("seed", 42, "Random seed")
		verbose    = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var config *Config
	if *configFile != "" {
		var err error
		config, err = loadConfig(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		config = getDefaultConfig()
		config.OutputDir = *output
		config.ImageSize = *size
		config.Channels = *channels
		config.Format = *format
		config.Seed = *seed
		for i := range config.Classes {
			config.Classes[i].Count = *count
		}
	}

	generator, err := NewGenerator(config, logger)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"output_dir": config.OutputDir,
		"image_size": config.ImageSize,
		"channels":   config.Channels,
		"format":     config.Format,
		"classes":    len(config.Classes),
	}).Info("Starting test image generation")

	written, err := generator.Generate(context.Background())
	if err != nil {
		log.Fatalf("Failed to generate images: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"images_written": written,
		"output_dir":     config.OutputDir,
	}).Info("Test image generation completed")
}

func NewGenerator(config *Config, logger *logrus.Logger) (*Generator, error) {
	if config.ImageSize < 1 {
		return nil, fmt.Errorf("image size must be positive, got %d", config.ImageSize)
	}
	if config.Channels != 1 && config.Channels != 3 {
		return nil, fmt.Errorf("channels must be 1 or 3, got %d", config.Channels)
	}
	if _, err := encoderFor(config.Format); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Generator{
		config: config,
		logger: logger,
		rand:   rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}, nil
}

// Generate writes every class directory and returns the number of images
func (g *Generator) Generate(ctx context.Context) (int, error) {
	encode, _ := encoderFor(g.config.Format)
	written := 0

	for _, class := range g.config.Classes {
		dir := filepath.Join(g.config.OutputDir, class.Name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return written, fmt.Errorf("failed to create %s: %w", dir, err)
		}

		for i := 0; i < class.Count; i++ {
			if err := ctx.Err(); err != nil {
				return written, err
			}

			img := g.render(class)
			path := filepath.Join(dir, fmt.Sprintf("%s_%05d.%s", class.Name, i, g.config.Format))
			if err := writeImage(path, img, encode); err != nil {
				return written, err
			}
			written++
		}

		g.logger.WithFields(logrus.Fields{
			"class":   class.Name,
			"pattern": class.Pattern,
			"count":   class.Count,
		}).Debug("Generated class")
	}

	return written, nil
}

func (g *Generator) render(class ClassPattern) image.Image {
	n := g.config.ImageSize
	cx := float64(n) * (0.35 + 0.3*g.rand.Float64())
	cy := float64(n) * (0.35 + 0.3*g.rand.Float64())
	radius := float64(n) * (0.15 + 0.1*g.rand.Float64())
	angle := math.Pi * g.rand.Float64()
	tint := [3]float64{0.8 + 0.2*g.rand.Float64(), 0.5 + 0.2*g.rand.Float64(), 0.4 + 0.2*g.rand.Float64()}

	var gray *image.Gray
	var rgb *image.RGBA
	if g.config.Channels == 1 {
		gray = image.NewGray(image.Rect(0, 0, n, n))
	} else {
		rgb = image.NewRGBA(image.Rect(0, 0, n, n))
	}

	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			dx, dy := float64(x)-cx, float64(y)-cy
			d := math.Hypot(dx, dy)

			var v float64
			switch class.Pattern {
			case "ring":
				v = math.Exp(-math.Pow(d-radius, 2) / (0.1 * radius * radius))
			case "streaks":
				along := dx*math.Cos(angle) + dy*math.Sin(angle)
				v = math.Exp(-d*d/(2*radius*radius)) * (0.5 + 0.5*math.Sin(along))
			default:
				v = math.Exp(-d * d / (2 * radius * radius))
			}
			v = clamp(0.1 + 0.8*v + class.Noise*g.rand.NormFloat64())

			if gray != nil {
				gray.SetGray(x, y, color.Gray{Y: uint8(255 * v)})
				continue
			}
			rgb.SetRGBA(x, y, color.RGBA{
				R: uint8(255 * clamp(v*tint[0])),
				G: uint8(255 * clamp(v*tint[1])),
				B: uint8(255 * clamp(v*tint[2])),
				A: 255,
			})
		}
	}

	if gray != nil {
		return gray
	}
	return rgb
}

func encoderFor(format string) (func(io.Writer, image.Image) error, error) {
	switch format {
	case "png":
		return png.Encode, nil
	case "bmp":
		return bmp.Encode, nil
	case "tiff":
		return func(w io.Writer, m image.Image) error {
			return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate})
		}, nil
	default:
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}
}

func writeImage(path string, img image.Image, encode func(io.Writer, image.Image) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := encode(f, img); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return f.Close()
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func loadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	config := getDefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func getDefaultConfig() *Config {
	return &Config{
		OutputDir: "testdata/images",
		ImageSize: 32,
		Channels:  3,
		Format:    "png",
		Seed:      42,
		Classes: []ClassPattern{
			{Name: "NV", Count: 100, Pattern: "blob", Noise: 0.02},
			{Name: "MEL", Count: 100, Pattern: "streaks", Noise: 0.08},
			{Name: "BCC", Count: 100, Pattern: "ring", Noise: 0.05},
		},
	}
}
