package engine

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/face-service/internal/tensor"
)

// ONNXConfig locates the network and the runtime library.
type ONNXConfig struct {
	// ModelPath is the ONNX file; it carries both topology and trained weights.
	ModelPath string
	// SharedLibraryPath overrides the onnxruntime shared library location.
	SharedLibraryPath string
	// IntraOpThreads bounds CPU threads used inside one forward pass; 0 keeps the runtime default.
	IntraOpThreads int
}

// ONNXEngine runs a single-input, single-output classification network on the
// CPU through ONNX Runtime.
type ONNXEngine struct {
	session     *ort.DynamicAdvancedSession
	input       *ort.Tensor[float32]
	output      *ort.Tensor[float32]
	inputRank   int
	outputRank  int
	inputShape  tensor.Shape
	outputShape tensor.Shape
	ownsEnv     bool
	logger      *zap.Logger
}

// NewONNXEngine loads the network and allocates batch-1 tensors for it.
func NewONNXEngine(cfg ONNXConfig, logger *zap.Logger) (*ONNXEngine, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("onnx model path is required")
	}
	logger = logger.Named("onnx_engine")

	e := &ONNXEngine{logger: logger}
	if !ort.IsInitialized() {
		if cfg.SharedLibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnx environment: %w", err)
		}
		e.ownsEnv = true
	}

	if err := e.load(cfg); err != nil {
		_ = e.Close()
		return nil, err
	}

	logger.Info("network loaded",
		zap.String("model", cfg.ModelPath),
		zap.Stringer("input_shape", e.inputShape),
		zap.Stringer("output_shape", e.outputShape),
	)
	return e, nil
}

func (e *ONNXEngine) load(cfg ONNXConfig) error {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return fmt.Errorf("read model io info: %w", err)
	}
	if len(inputs) != 1 || len(outputs) != 1 {
		return fmt.Errorf("expected one input and one output, got %d and %d", len(inputs), len(outputs))
	}
	in, out := inputs[0], outputs[0]
	if in.DataType != ort.TensorElementDataTypeFloat || out.DataType != ort.TensorElementDataTypeFloat {
		return fmt.Errorf("expected float tensors, got input %v output %v", in.DataType, out.DataType)
	}
	if len(in.Dimensions) != 4 {
		return fmt.Errorf("expected 4D NCHW input, got %dD", len(in.Dimensions))
	}

	if e.inputShape, err = staticShape(in.Dimensions); err != nil {
		return fmt.Errorf("input %q: %w", in.Name, err)
	}
	if e.outputShape, err = staticShape(out.Dimensions); err != nil {
		return fmt.Errorf("output %q: %w", out.Name, err)
	}
	e.inputRank, e.outputRank = len(in.Dimensions), len(out.Dimensions)

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			return fmt.Errorf("set intra-op threads: %w", err)
		}
	}

	e.session, err = ort.NewDynamicAdvancedSession(cfg.ModelPath, []string{in.Name}, []string{out.Name}, opts)
	if err != nil {
		return fmt.Errorf("create onnx session: %w", err)
	}
	if e.input, err = ort.NewEmptyTensor[float32](ort.NewShape(e.inputShape.Dims(e.inputRank)...)); err != nil {
		return fmt.Errorf("allocate input tensor: %w", err)
	}
	if e.output, err = ort.NewEmptyTensor[float32](ort.NewShape(e.outputShape.Dims(e.outputRank)...)); err != nil {
		return fmt.Errorf("allocate output tensor: %w", err)
	}
	return nil
}

// staticShape resolves a symbolic batch dimension to 1. Every other
// dimension must be fixed by the network.
func staticShape(dims ort.Shape) (tensor.Shape, error) {
	resolved := make([]int64, len(dims))
	for i, d := range dims {
		switch {
		case d > 0:
			resolved[i] = d
		case i == 0:
			resolved[i] = 1
		default:
			return tensor.Shape{}, fmt.Errorf("dimension %d is not fixed (%d)", i, d)
		}
	}
	return tensor.FromDims(resolved)
}

// InputShape implements Engine.
func (e *ONNXEngine) InputShape() tensor.Shape { return e.inputShape }

// OutputShape implements Engine.
func (e *ONNXEngine) OutputShape() tensor.Shape { return e.outputShape }

// ReshapeInput implements Engine.
func (e *ONNXEngine) ReshapeInput(shape tensor.Shape) error {
	t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape.Dims(e.inputRank)...))
	if err != nil {
		return err
	}
	if e.input != nil {
		_ = e.input.Destroy()
	}
	e.input, e.inputShape = t, shape
	e.logger.Debug("input reshaped", zap.Stringer("shape", shape))
	return nil
}

// ReshapeOutput implements Engine.
func (e *ONNXEngine) ReshapeOutput(shape tensor.Shape) error {
	t, err := ort.NewEmptyTensor[float32](ort.NewShape(shape.Dims(e.outputRank)...))
	if err != nil {
		return err
	}
	if e.output != nil {
		_ = e.output.Destroy()
	}
	e.output, e.outputShape = t, shape
	e.logger.Debug("output reshaped", zap.Stringer("shape", shape))
	return nil
}

// SetInput implements Engine.
func (e *ONNXEngine) SetInput(data []float32) error {
	dst := e.input.GetData()
	if len(dst) != len(data) {
		return fmt.Errorf("%w: input holds %d elements, got %d", ErrForward, len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

// Forward implements Engine.
func (e *ONNXEngine) Forward() error {
	if err := e.session.Run([]ort.Value{e.input}, []ort.Value{e.output}); err != nil {
		return fmt.Errorf("%w: %v", ErrForward, err)
	}
	return nil
}

// Output implements Engine.
func (e *ONNXEngine) Output() []float32 {
	src := e.output.GetData()
	out := make([]float32, len(src))
	copy(out, src)
	return out
}

// Close implements Engine.
func (e *ONNXEngine) Close() error {
	var errs []error
	if e.session != nil {
		errs = append(errs, e.session.Destroy())
		e.session = nil
	}
	if e.input != nil {
		errs = append(errs, e.input.Destroy())
		e.input = nil
	}
	if e.output != nil {
		errs = append(errs, e.output.Destroy())
		e.output = nil
	}
	if e.ownsEnv {
		errs = append(errs, ort.DestroyEnvironment())
		e.ownsEnv = false
	}
	return errors.Join(errs...)
}
