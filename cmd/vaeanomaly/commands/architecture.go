package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/inferloop/vaeanomaly/internal/vae"
)

type ArchitectureOptions struct {
	ImageSize int
	Channels  int
	Depth     int
	Latent    int
}

func NewArchitectureCmd() *cobra.Command {
	opts := &ArchitectureOptions{}

	cmd := &cobra.Command{
		Use:   "architecture",
		Short: "Print the layer pyramid derived from the image size",
		Example: `  # Inspect the layers of a 128x128 grayscale model
  vaeanomaly architecture --image-size 128 --channels 1 --latent 64`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			arch := cfg.Model
			if cmd.Flags().Changed("image-size") {
				arch.ImageSize = opts.ImageSize
			}
			if cmd.Flags().Changed("channels") {
				arch.Channels = opts.Channels
			}
			if cmd.Flags().Changed("depth") {
				arch.Depth = opts.Depth
			}
			if cmd.Flags().Changed("latent") {
				arch.Latent = opts.Latent
			}

			model, err := vae.NewModel(arch, cfg.Seed, logger)
			if err != nil {
				return err
			}
			printArchitecture(os.Stdout, model)
			return nil
		},
	}

	cmd.Flags().IntVar(&opts.ImageSize, "image-size", 0, "Image side length (power of two, at least 8)")
	cmd.Flags().IntVar(&opts.Channels, "channels", 0, "Input channels")
	cmd.Flags().IntVar(&opts.Depth, "depth", 0, "Base convolution depth")
	cmd.Flags().IntVar(&opts.Latent, "latent", 0, "Latent dimensionality")

	return cmd
}

func printArchitecture(w io.Writer, model *vae.Model) {
	arch := model.Architecture()

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"STAGE", "KIND", "IN", "OUT", "KERNEL", "STRIDE", "PADDING", "BATCHNORM", "ACTIVATION"})
	var stages []vae.Stage
	stages = append(stages, arch.Encoder...)
	stages = append(stages, arch.Projection)
	stages = append(stages, arch.Decoder...)
	for _, s := range stages {
		table.Append([]string{
			s.Name,
			s.Kind.String(),
			fmt.Sprintf("%d", s.In),
			fmt.Sprintf("%d", s.Out),
			fmt.Sprintf("%d", s.Kernel),
			fmt.Sprintf("%d", s.Stride),
			fmt.Sprintf("%d", s.Padding),
			fmt.Sprintf("%t", s.Normalize),
			s.Activation.String(),
		})
	}
	table.Render()

	fmt.Fprintf(w, "\nPyramid stages: %d, max depth: %d, parameters: %d\n",
		arch.PyramidStages, arch.MaxDepth, model.NumParameters())
}
