package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/JS2IIU-MH/haru-pan/internal/postprocess"
	"github.com/JS2IIU-MH/haru-pan/internal/preprocess"
)

// InitializeRuntime loads the ONNX Runtime shared library once per process.
// An empty libraryPath keeps the library's platform default.
func InitializeRuntime(libraryPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libraryPath != "" {
		ort.SetSharedLibraryPath(libraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment.
func DestroyRuntime() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

// ORTEngine opens models with ONNX Runtime. InitializeRuntime must have
// been called first.
type ORTEngine struct {
	// IntraOpThreads bounds the threads used inside one operator; 0 leaves
	// the runtime default.
	IntraOpThreads int
}

type ortRunner struct {
	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string
}

func (e *ORTEngine) Open(modelPath string, meta *Metadata) (Runner, error) {
	inputNames, outputNames, err := ioNames(modelPath, meta)
	if err != nil {
		return nil, err
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	defer options.Destroy()

	if e.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(e.IntraOpThreads); err != nil {
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath, inputNames, outputNames, options)
	if err != nil {
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	return &ortRunner{
		session:     session,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func ioNames(modelPath string, meta *Metadata) ([]string, []string, error) {
	if meta != nil && len(meta.InputNames) > 0 && len(meta.OutputNames) > 0 {
		return meta.InputNames, meta.OutputNames, nil
	}

	inputs, outputs, err := ort.GetInputOutputInfo(modelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read model inputs and outputs: %w", err)
	}
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, nil, fmt.Errorf("model has %d inputs and %d outputs", len(inputs), len(outputs))
	}

	inputNames := make([]string, len(inputs))
	for i, info := range inputs {
		inputNames[i] = info.Name
	}
	outputNames := make([]string, len(outputs))
	for i, info := range outputs {
		outputNames[i] = info.Name
	}
	return inputNames, outputNames, nil
}

// Run feeds input to the first model input and returns the first output.
func (r *ortRunner) Run(input *preprocess.Tensor) (postprocess.Value, error) {
	if len(r.inputNames) != 1 {
		return nil, fmt.Errorf("model expects %d inputs, only one image is supported", len(r.inputNames))
	}

	inputTensor, err := ort.NewTensor(ort.NewShape(input.Shape...), input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	defer inputTensor.Destroy()

	inputs := []ort.ArbitraryTensor{inputTensor}

	// nil outputs are allocated by the runtime
	outputs := make([]ort.ArbitraryTensor, len(r.outputNames))
	defer destroyOutputs(outputs)
	if err := r.session.Run(inputs, outputs); err != nil {
		return nil, err
	}

	return outputValue(outputs[0])
}

func (r *ortRunner) Close() error {
	if r.session == nil {
		return nil
	}
	return r.session.Destroy()
}

// destroyOutputs releases whatever the runtime allocated, including after a
// failed run.
func destroyOutputs(outputs []ort.ArbitraryTensor) {
	for _, v := range outputs {
		if v != nil {
			v.Destroy()
		}
	}
}

// outputValue copies a runtime tensor into a postprocess.Value so that the
// tensor can be destroyed right after.
func outputValue(v ort.ArbitraryTensor) (postprocess.Value, error) {
	switch t := v.(type) {
	case *ort.Tensor[float32]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[float64]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[int8]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[int16]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[int32]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[int64]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[uint8]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[uint16]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[uint32]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case *ort.Tensor[uint64]:
		return postprocess.FromTensor(t.GetShape(), t.GetData())
	case nil:
		return nil, &postprocess.UnsupportedOutputError{Type: "nil"}
	}
	return nil, &postprocess.UnsupportedOutputError{Type: fmt.Sprintf("%T", v)}
}
