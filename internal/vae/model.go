package vae

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/sirupsen/logrus"

	"github.com/inferloop/vaeanomaly/internal/nn"
	"github.com/inferloop/vaeanomaly/internal/tensor"
	"github.com/inferloop/vaeanomaly/pkg/constants"
	"github.com/inferloop/vaeanomaly/pkg/errors"
	"github.com/inferloop/vaeanomaly/pkg/models"
)

// ForwardResult carries everything a training step needs from one
// encode -> reparameterize -> decode pass.
type ForwardResult struct {
	Input          *tensor.Tensor
	Reconstruction *tensor.Tensor
	Mu             *tensor.Tensor
	Logvar         *tensor.Tensor
	Z              *tensor.Tensor
	Eps            *tensor.Tensor
}

// stageLayers are the instantiated layers of one Stage
type stageLayers struct {
	stage  Stage
	layers []nn.Layer
}

// Model is the convolutional VAE. A Model is not safe for concurrent use:
// layers cache activations for Backward and the noise source is shared.
type Model struct {
	arch *Architecture

	encoder    []*stageLayers
	convMu     *nn.Conv2d
	convLogvar *nn.Conv2d
	decoder    []*stageLayers

	rng      *rand.Rand
	training bool
	logger   *logrus.Logger
}

// NewModel builds a model for cfg, initializing weights from seed. The
// same seed also starts the reparameterization noise source.
func NewModel(cfg ArchitectureConfig, seed uint64, logger *logrus.Logger) (*Model, error) {
	arch, err := BuildArchitecture(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.New()
	}

	initRNG := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	m := &Model{
		arch:     arch,
		training: true,
		logger:   logger,
	}
	for _, s := range arch.Encoder {
		m.encoder = append(m.encoder, buildStage(s, initRNG))
	}
	p := arch.Projection
	m.convMu = nn.NewConv2d("mu", p.In, p.Out, p.Kernel, p.Stride, p.Padding, initRNG)
	m.convLogvar = nn.NewConv2d("logvar", p.In, p.Out, p.Kernel, p.Stride, p.Padding, initRNG)
	for _, s := range arch.Decoder {
		m.decoder = append(m.decoder, buildStage(s, initRNG))
	}
	m.Seed(seed)

	logger.WithFields(logrus.Fields{
		"image_size": cfg.ImageSize,
		"channels":   cfg.Channels,
		"depth":      cfg.Depth,
		"latent":     cfg.Latent,
		"stages":     arch.PyramidStages,
		"parameters": m.NumParameters(),
	}).Debug("Built VAE model")

	return m, nil
}

func buildStage(s Stage, rng *rand.Rand) *stageLayers {
	sl := &stageLayers{stage: s}
	switch s.Kind {
	case StageConv:
		sl.layers = append(sl.layers, nn.NewConv2d(s.Name+".conv", s.In, s.Out, s.Kernel, s.Stride, s.Padding, rng))
	case StageConvTranspose:
		sl.layers = append(sl.layers, nn.NewConvTranspose2d(s.Name+".deconv", s.In, s.Out, s.Kernel, s.Stride, s.Padding, rng))
	}
	if s.Normalize {
		sl.layers = append(sl.layers, nn.NewBatchNorm2d(s.Name+".bn", s.Out, constants.BatchNormMomentum, constants.BatchNormEpsilon))
	}
	switch s.Activation {
	case ActivationReLU:
		sl.layers = append(sl.layers, nn.NewReLU())
	case ActivationTanh:
		sl.layers = append(sl.layers, nn.NewTanh())
	}
	return sl
}

func applyStage(s *stageLayers, x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for _, l := range s.layers {
		if x, err = l.Forward(x); err != nil {
			return nil, fmt.Errorf("%s: %w", s.stage.Name, err)
		}
	}
	return x, nil
}

func backwardStage(s *stageLayers, grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.layers) - 1; i >= 0; i-- {
		if grad, err = s.layers[i].Backward(grad); err != nil {
			return nil, fmt.Errorf("%s: %w", s.stage.Name, err)
		}
	}
	return grad, nil
}

// Architecture returns the resolved layer plan
func (m *Model) Architecture() *Architecture {
	return m.arch
}

// Seed restarts the reparameterization noise source
func (m *Model) Seed(seed uint64) {
	m.rng = rand.New(rand.NewPCG(seed, seed))
}

// Train switches batch normalization to batch statistics
func (m *Model) Train() {
	m.setTraining(true)
}

// Eval switches batch normalization to running statistics. Forward passes
// in evaluation mode do not mutate the model.
func (m *Model) Eval() {
	m.setTraining(false)
}

// IsTraining reports the current mode
func (m *Model) IsTraining() bool {
	return m.training
}

func (m *Model) setTraining(training bool) {
	m.training = training
	for _, s := range m.stages() {
		for _, l := range s.layers {
			if ms, ok := l.(nn.ModeSetter); ok {
				ms.SetTraining(training)
			}
		}
	}
}

func (m *Model) stages() []*stageLayers {
	all := make([]*stageLayers, 0, len(m.encoder)+len(m.decoder))
	all = append(all, m.encoder...)
	return append(all, m.decoder...)
}

func (m *Model) checkImages(images *tensor.Tensor) error {
	cfg := m.arch.Config
	if images.Rank() != 4 || images.Dim(1) != cfg.Channels || images.Dim(2) != cfg.ImageSize || images.Dim(3) != cfg.ImageSize {
		return errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("expected images of shape [N, %d, %d, %d], got %v", cfg.Channels, cfg.ImageSize, cfg.ImageSize, images.Shape()))
	}
	if images.Dim(0) < 1 {
		return errors.NewDataError(errors.CodeInvalidShape, "empty image batch")
	}
	return nil
}

// Encode maps images [N, C, H, W] to the latent distribution parameters
// mu and logvar, both [N, n_latent].
func (m *Model) Encode(images *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := m.checkImages(images); err != nil {
		return nil, nil, err
	}

	x := images
	var err error
	for _, s := range m.encoder {
		if x, err = applyStage(s, x); err != nil {
			return nil, nil, err
		}
	}

	mu, err := m.convMu.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("mu: %w", err)
	}
	logvar, err := m.convLogvar.Forward(x)
	if err != nil {
		return nil, nil, fmt.Errorf("logvar: %w", err)
	}

	n, latent := images.Dim(0), m.arch.Config.Latent
	return mu.MustReshape(n, latent), logvar.MustReshape(n, latent), nil
}

// Reparameterize draws z = mu + eps * exp(0.5 * logvar) with a fresh
// eps ~ N(0, I). eps is returned so callers can evaluate log q(z|x).
func (m *Model) Reparameterize(mu, logvar *tensor.Tensor) (*tensor.Tensor, *tensor.Tensor, error) {
	if !tensor.SameShape(mu, logvar) {
		return nil, nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("mu %v and logvar %v differ in shape", mu.Shape(), logvar.Shape()))
	}

	eps := tensor.RandN(m.rng, mu.Shape()...)
	z := tensor.ZerosLike(mu)
	zd, md, ld, ed := z.Data(), mu.Data(), logvar.Data(), eps.Data()
	for i := range zd {
		zd[i] = md[i] + ed[i]*math.Exp(0.5*ld[i])
	}
	return z, eps, nil
}

// Decode maps latent samples [N, n_latent] to reconstructions [N, C, H, W]
// in [-1, 1].
func (m *Model) Decode(z *tensor.Tensor) (*tensor.Tensor, error) {
	latent := m.arch.Config.Latent
	if z.Rank() != 2 || z.Dim(1) != latent || z.Dim(0) < 1 {
		return nil, errors.NewDataError(errors.CodeInvalidShape,
			fmt.Sprintf("expected latent samples of shape [N, %d], got %v", latent, z.Shape()))
	}

	x := z.MustReshape(z.Dim(0), latent, 1, 1)
	var err error
	for _, s := range m.decoder {
		if x, err = applyStage(s, x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Forward runs encode, reparameterize and decode
func (m *Model) Forward(images *tensor.Tensor) (*ForwardResult, error) {
	mu, logvar, err := m.Encode(images)
	if err != nil {
		return nil, err
	}
	z, eps, err := m.Reparameterize(mu, logvar)
	if err != nil {
		return nil, err
	}
	recon, err := m.Decode(z)
	if err != nil {
		return nil, err
	}
	return &ForwardResult{
		Input:          images,
		Reconstruction: recon,
		Mu:             mu,
		Logvar:         logvar,
		Z:              z,
		Eps:            eps,
	}, nil
}

// Backward propagates loss gradients through the decoder, the
// reparameterization, the latent projection and the encoder, accumulating
// into the parameter gradients. It must follow the Forward that produced
// res, with no other Forward, Encode or Decode call in between.
func (m *Model) Backward(res *ForwardResult, grads *LossGrads) error {
	if res == nil || grads == nil {
		return errors.NewInternalError("Backward needs a forward result and loss gradients")
	}

	g := grads.Reconstruction
	var err error
	for i := len(m.decoder) - 1; i >= 0; i-- {
		if g, err = backwardStage(m.decoder[i], g); err != nil {
			return err
		}
	}

	n, latent := res.Mu.Dim(0), m.arch.Config.Latent
	dz := g.Data()
	dMu := tensor.Zeros(n, latent, 1, 1)
	dLogvar := tensor.Zeros(n, latent, 1, 1)
	mu, lv, eps := grads.Mu.Data(), grads.Logvar.Data(), res.Eps.Data()
	logvar := res.Logvar.Data()
	for i := range dz {
		dMu.Data()[i] = mu[i] + dz[i]
		dLogvar.Data()[i] = lv[i] + dz[i]*eps[i]*0.5*math.Exp(0.5*logvar[i])
	}

	dFeat, err := m.convMu.Backward(dMu)
	if err != nil {
		return fmt.Errorf("mu: %w", err)
	}
	dFeatLogvar, err := m.convLogvar.Backward(dLogvar)
	if err != nil {
		return fmt.Errorf("logvar: %w", err)
	}
	if err := dFeat.AddInPlace(dFeatLogvar); err != nil {
		return err
	}

	g = dFeat
	for i := len(m.encoder) - 1; i >= 0; i-- {
		if g, err = backwardStage(m.encoder[i], g); err != nil {
			return err
		}
	}
	return nil
}

// Parameters returns every learnable parameter in a stable order
func (m *Model) Parameters() []*nn.Parameter {
	var params []*nn.Parameter
	for _, s := range m.encoder {
		params = append(params, stageParameters(s)...)
	}
	params = append(params, m.convMu.Parameters()...)
	params = append(params, m.convLogvar.Parameters()...)
	for _, s := range m.decoder {
		params = append(params, stageParameters(s)...)
	}
	return params
}

func stageParameters(s *stageLayers) []*nn.Parameter {
	var params []*nn.Parameter
	for _, l := range s.layers {
		params = append(params, l.Parameters()...)
	}
	return params
}

// Buffers returns the batch normalization running statistics
func (m *Model) Buffers() []*nn.Parameter {
	var buffers []*nn.Parameter
	for _, s := range m.stages() {
		for _, l := range s.layers {
			if bh, ok := l.(nn.BufferHolder); ok {
				buffers = append(buffers, bh.Buffers()...)
			}
		}
	}
	return buffers
}

// NumParameters counts learnable scalars
func (m *Model) NumParameters() int {
	total := 0
	for _, p := range m.Parameters() {
		total += p.Len()
	}
	return total
}

// ZeroGrad clears every accumulated gradient
func (m *Model) ZeroGrad() {
	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
}

// StateDict snapshots parameters and buffers
func (m *Model) StateDict() models.StateDict {
	sd := models.StateDict{}
	for _, p := range m.Parameters() {
		sd.Parameters = append(sd.Parameters, p.Snapshot())
	}
	for _, b := range m.Buffers() {
		sd.Buffers = append(sd.Buffers, b.Snapshot())
	}
	return sd
}

// LoadStateDict restores a snapshot taken from a model of the same
// architecture.
func (m *Model) LoadStateDict(sd models.StateDict) error {
	params, buffers := m.Parameters(), m.Buffers()
	if len(sd.Parameters) != len(params) || len(sd.Buffers) != len(buffers) {
		return errors.NewTrainingError(errors.CodeStateMismatch,
			fmt.Sprintf("state has %d parameters and %d buffers, model has %d and %d",
				len(sd.Parameters), len(sd.Buffers), len(params), len(buffers)))
	}
	for i, p := range params {
		if err := p.Restore(sd.Parameters[i]); err != nil {
			return err
		}
	}
	for i, b := range buffers {
		if err := b.Restore(sd.Buffers[i]); err != nil {
			return err
		}
	}
	return nil
}
