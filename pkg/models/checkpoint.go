package models

import (
	"fmt"
	"time"
)

// NamedTensor is a flattened tensor with its shape, keyed by parameter name
type NamedTensor struct {
	Name  string    `msgpack:"name" json:"name"`
	Shape []int     `msgpack:"shape" json:"shape"`
	Data  []float64 `msgpack:"data" json:"data"`
}

// StateDict is an ordered snapshot of model parameters and buffers
type StateDict struct {
	Parameters []NamedTensor `msgpack:"parameters" json:"parameters"`
	Buffers    []NamedTensor `msgpack:"buffers" json:"buffers"`
}

// OptimizerState is a snapshot of the optimizer moments and step counter
type OptimizerState struct {
	Name         string        `msgpack:"name" json:"name"`
	Step         int           `msgpack:"step" json:"step"`
	LearningRate float64       `msgpack:"learning_rate" json:"learning_rate"`
	FirstMoment  []NamedTensor `msgpack:"first_moment" json:"first_moment"`
	SecondMoment []NamedTensor `msgpack:"second_moment" json:"second_moment"`
}

// ArchitectureInfo records the hyperparameters a checkpoint was built with
type ArchitectureInfo struct {
	ImageSize int     `msgpack:"image_size" json:"image_size"`
	Channels  int     `msgpack:"channels" json:"channels"`
	Depth     int     `msgpack:"depth" json:"depth"`
	Latent    int     `msgpack:"latent" json:"latent"`
	KLWeight  float64 `msgpack:"kl_weight" json:"kl_weight"`
}

// Checkpoint is the persisted training state: saved every time the
// validation loss improves, and the only point a run can resume from.
type Checkpoint struct {
	Version        int              `msgpack:"version" json:"version"`
	RunID          string           `msgpack:"run_id" json:"run_id"`
	Epoch          int              `msgpack:"epoch" json:"epoch"`
	ValidationLoss float64          `msgpack:"validation_loss" json:"validation_loss"`
	Architecture   ArchitectureInfo `msgpack:"architecture" json:"architecture"`
	Model          StateDict        `msgpack:"model" json:"model"`
	Optimizer      OptimizerState   `msgpack:"optimizer" json:"optimizer"`
	CreatedAt      time.Time        `msgpack:"created_at" json:"created_at"`
}

// Key returns the storage key of the checkpoint
func (c *Checkpoint) Key() string {
	return CheckpointKey(c.Epoch, c.ValidationLoss)
}

// Validate checks the invariants a loaded checkpoint must satisfy
func (c *Checkpoint) Validate() error {
	if c.Epoch < 1 {
		return fmt.Errorf("checkpoint epoch must be >= 1, got %d", c.Epoch)
	}
	if len(c.Model.Parameters) == 0 {
		return fmt.Errorf("checkpoint has no model parameters")
	}
	for _, nt := range c.Model.Parameters {
		if err := nt.validate(); err != nil {
			return err
		}
	}
	for _, nt := range c.Model.Buffers {
		if err := nt.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (nt NamedTensor) validate() error {
	size := 1
	for _, d := range nt.Shape {
		size *= d
	}
	if size != len(nt.Data) {
		return fmt.Errorf("tensor %q: shape %v holds %d values, got %d", nt.Name, nt.Shape, size, len(nt.Data))
	}
	return nil
}

// CheckpointKey builds the key a checkpoint is stored under
func CheckpointKey(epoch int, valLoss float64) string {
	return fmt.Sprintf("vae_epoch-%04d_val-%.6f", epoch, valLoss)
}
