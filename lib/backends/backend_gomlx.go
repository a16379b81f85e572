// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backends

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/examples/inceptionv3"
	"github.com/gomlx/gomlx/pkg/core/graph"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Import Go backend - always available (pure Go, no CGO)
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	// The simplego package registers itself as "go" in the GoMLX registry.
	RegisterBackend(newGomlxBackend(BackendGo, "go"))
	RegisterBackend(newGomlxBackend(BackendXLA, "xla"))
}

// InceptionFeatureDim is the width of the pooled InceptionV3 output.
const InceptionFeatureDim = 2048

// gomlxBackend implements Backend using GoMLX for inference.
type gomlxBackend struct {
	backendType BackendType
	engineType  string // "go" or "xla"

	once      sync.Once
	available bool
	engineMgr *engineManager
}

func newGomlxBackend(backendType BackendType, engineType string) *gomlxBackend {
	return &gomlxBackend{
		backendType: backendType,
		engineType:  engineType,
		engineMgr:   newEngineManager(),
	}
}

func (b *gomlxBackend) Type() BackendType {
	return b.backendType
}

func (b *gomlxBackend) Name() string {
	switch b.backendType {
	case BackendXLA:
		return "GoMLX (XLA)"
	case BackendGo:
		return "GoMLX (Go)"
	default:
		return "GoMLX"
	}
}

func (b *gomlxBackend) Available() bool {
	b.once.Do(func() {
		_, err := b.engineMgr.getEngine(b.engineType)
		b.available = err == nil
	})
	return b.available
}

func (b *gomlxBackend) Priority() int {
	switch b.backendType {
	case BackendXLA:
		return 20
	case BackendGo:
		// Go is always available fallback
		return 100
	default:
		return 50
	}
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	return &gomlxSessionFactory{backend: b}
}

// engineManager caches one GoMLX engine per engine type.
type engineManager struct {
	mu      sync.Mutex
	engines map[string]backends.Backend
}

func newEngineManager() *engineManager {
	return &engineManager{engines: make(map[string]backends.Backend)}
}

func (m *engineManager) getEngine(engineType string) (backends.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if engine, ok := m.engines[engineType]; ok {
		return engine, nil
	}
	engine, err := safeNewBackend(engineType)
	if err != nil {
		return nil, err
	}
	m.engines[engineType] = engine
	return engine, nil
}

// safeNewBackend creates a new engine, catching panics from libraries
// that don't handle missing dependencies gracefully (e.g. a PJRT plugin
// that fails to load).
func safeNewBackend(engineType string) (engine backends.Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			engine = nil
			err = fmt.Errorf("backend %q panicked during initialization: %v", engineType, r)
		}
	}()
	return backends.NewWithConfig(engineType)
}

// gomlxSessionFactory creates InceptionV3 and ONNX sessions.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (f *gomlxSessionFactory) CreateSession(modelPath string, opts ...SessionOption) (Session, error) {
	cfg := ApplySessionOptions(opts...)
	engine, err := f.backend.engineMgr.getEngine(f.backend.engineType)
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine %q: %w", f.backend.engineType, err)
	}
	switch cfg.Kind {
	case EncoderInceptionV3:
		return newInceptionSession(modelPath, engine, cfg)
	case EncoderONNX:
		return newONNXSession(modelPath, engine)
	default:
		return nil, fmt.Errorf("unknown encoder kind %q", cfg.Kind)
	}
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return f.backend.backendType
}

// =============================================================================
// InceptionV3
// =============================================================================

// inceptionSession runs InceptionV3 without its classification head, with
// global average pooling over the last feature map. Input is a float32
// [batch, height, width, 3] tensor scaled to [-1, 1]; output is
// [batch, 2048].
type inceptionSession struct {
	inputName string
	ctx       *mlctx.Context
	exec      *mlctx.Exec
	mu        sync.Mutex
}

func newInceptionSession(weightsDir string, engine backends.Backend, cfg *SessionConfig) (*inceptionSession, error) {
	if info, err := os.Stat(weightsDir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("InceptionV3 weights directory %q not found (run the pull command first)", weightsDir)
	}
	ctx := mlctx.New()
	exec, err := mlctx.NewExecAny(engine, ctx, func(ctx *mlctx.Context, inputs []*graph.Node) []*graph.Node {
		features := inceptionv3.BuildGraph(ctx, inputs[0]).
			PreTrained(weightsDir).
			SetPooling(inceptionv3.MeanPooling).
			Trainable(false).
			Done()
		return []*graph.Node{features}
	})
	if err != nil {
		return nil, fmt.Errorf("creating InceptionV3 exec: %w", err)
	}
	return &inceptionSession{inputName: cfg.InputName, ctx: ctx, exec: exec}, nil
}

func (s *inceptionSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil {
		return nil, fmt.Errorf("session is closed")
	}
	if len(inputs) != 1 {
		return nil, fmt.Errorf("InceptionV3 takes one input, got %d", len(inputs))
	}
	images, err := namedTensorToGoMLX(inputs[0])
	if err != nil {
		return nil, fmt.Errorf("converting input tensor %s: %w", inputs[0].Name, err)
	}
	results, err := s.exec.Exec(images)
	if err != nil {
		return nil, fmt.Errorf("executing InceptionV3 graph: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("no output from model")
	}
	out, err := gomlxToNamedTensor(results[0], "features")
	if err != nil {
		return nil, err
	}
	return []NamedTensor{out}, nil
}

func (s *inceptionSession) InputInfo() []TensorInfo {
	return []TensorInfo{{Name: s.inputName, Shape: []int64{-1, -1, -1, 3}, DataType: DataTypeFloat32}}
}

func (s *inceptionSession) OutputInfo() []TensorInfo {
	return []TensorInfo{{Name: "features", Shape: []int64{-1, InceptionFeatureDim}, DataType: DataTypeFloat32}}
}

func (s *inceptionSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exec = nil
	s.ctx = nil
	return nil
}

// =============================================================================
// ONNX (via onnx-gomlx)
// =============================================================================

// resolveONNXPath accepts an .onnx file or a directory containing one.
func resolveONNXPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return path, nil
	}
	if p := filepath.Join(path, "model.onnx"); fileExists(p) {
		return p, nil
	}
	matches, _ := filepath.Glob(filepath.Join(path, "*.onnx"))
	if len(matches) == 0 {
		return "", fmt.Errorf("no ONNX file found in %s", path)
	}
	return matches[0], nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// onnxSession implements Session for raw tensor I/O using onnx-gomlx.
type onnxSession struct {
	onnxModel   *onnx.Model
	ctx         *mlctx.Context
	engine      backends.Backend
	inputInfo   []TensorInfo
	outputInfo  []TensorInfo
	inputNames  []string
	outputNames []string
	mu          sync.Mutex
}

func newONNXSession(modelPath string, engine backends.Backend) (*onnxSession, error) {
	onnxPath, err := resolveONNXPath(modelPath)
	if err != nil {
		return nil, err
	}
	om, err := onnx.ReadFile(onnxPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX model: %w", err)
	}
	ctx := mlctx.New()
	if err := om.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading ONNX variables: %w", err)
	}

	inputNames, inputShapes := om.Inputs()
	outputNames, outputShapes := om.Outputs()
	inputInfo := make([]TensorInfo, len(inputNames))
	for i, name := range inputNames {
		inputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(inputShapes[i].Dimensions),
			DataType: gomlxDataType(inputShapes[i].DType),
		}
	}
	outputInfo := make([]TensorInfo, len(outputNames))
	for i, name := range outputNames {
		outputInfo[i] = TensorInfo{
			Name:     name,
			Shape:    intsToInt64s(outputShapes[i].Dimensions),
			DataType: gomlxDataType(outputShapes[i].DType),
		}
	}

	return &onnxSession{
		onnxModel:   om,
		ctx:         ctx,
		engine:      engine,
		inputInfo:   inputInfo,
		outputInfo:  outputInfo,
		inputNames:  inputNames,
		outputNames: outputNames,
	}, nil
}

func (s *onnxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onnxModel == nil {
		return nil, fmt.Errorf("session is closed")
	}

	inputMap := make(map[string]NamedTensor, len(inputs))
	for _, input := range inputs {
		inputMap[input.Name] = input
	}
	// A single unnamed input feeds a single-input graph.
	if len(inputs) == 1 && len(s.inputNames) == 1 && inputs[0].Name == "" {
		inputMap[s.inputNames[0]] = inputs[0]
	}

	args := make([]any, len(s.inputNames))
	for i, name := range s.inputNames {
		input, ok := inputMap[name]
		if !ok {
			return nil, fmt.Errorf("missing input tensor: %s", name)
		}
		tensor, err := namedTensorToGoMLX(input)
		if err != nil {
			return nil, fmt.Errorf("converting input tensor %s: %w", name, err)
		}
		args[i] = tensor
	}

	graphFn := func(mlCtx *mlctx.Context, graphInputs []*graph.Node) []*graph.Node {
		inputNodeMap := make(map[string]*graph.Node, len(s.inputNames))
		for i, name := range s.inputNames {
			inputNodeMap[name] = graphInputs[i]
		}
		return s.onnxModel.CallGraph(mlCtx.Reuse(), graphInputs[0].Graph(), inputNodeMap)
	}
	results, err := mlctx.ExecOnceN(s.engine, s.ctx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing ONNX graph: %w", err)
	}

	outputs := make([]NamedTensor, len(results))
	for i, result := range results {
		name := ""
		if i < len(s.outputNames) {
			name = s.outputNames[i]
		}
		output, err := gomlxToNamedTensor(result, name)
		if err != nil {
			return nil, fmt.Errorf("converting output tensor %d: %w", i, err)
		}
		outputs[i] = output
	}
	return outputs, nil
}

func (s *onnxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *onnxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *onnxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onnxModel = nil
	s.ctx = nil
	return nil
}

// DownloadInceptionWeights fetches and unpacks the pretrained InceptionV3
// weights into dir, skipping the download when they are already present.
func DownloadInceptionWeights(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return inceptionv3.DownloadAndUnpackWeights(dir)
}
