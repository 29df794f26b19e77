package predict

import (
	"strconv"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
)

// ProviderBackend names an onnxruntime execution provider.
type ProviderBackend string

const (
	// CPUProviderBackend runs on the default CPU provider.
	CPUProviderBackend ProviderBackend = "cpu"
	// CUDAProviderBackend uses NVIDIA CUDA.
	CUDAProviderBackend ProviderBackend = "cuda"
	// CoreMLProviderBackend uses Apple CoreML.
	CoreMLProviderBackend ProviderBackend = "coreml"
	// OpenVINOProviderBackend uses Intel OpenVINO.
	OpenVINOProviderBackend ProviderBackend = "openvino"
)

// ErrUnknownProvider is returned for a backend name that is not supported.
var ErrUnknownProvider = errors.New("unknown execution provider")

// ProviderConfig selects the execution provider of a session.
// See: https://onnxruntime.ai/docs/execution-providers/
type ProviderConfig struct {
	Backend ProviderBackend `mapstructure:"backend" yaml:"backend"`
	// DeviceID selects the GPU for CUDA.
	DeviceID int `mapstructure:"device_id" yaml:"device_id"`
	// CoreMLFlags is the COREML_FLAG_* bit set.
	CoreMLFlags uint32 `mapstructure:"coreml_flags" yaml:"coreml_flags"`
	// Options are passed through as provider options, e.g. gpu_mem_limit for CUDA
	// or device_type for OpenVINO.
	Options map[string]string `mapstructure:"options" yaml:"options"`
}

// Validate reports ErrUnknownProvider for unsupported backends. Empty means cpu.
func (p ProviderConfig) Validate() error {
	switch p.Backend {
	case "", CPUProviderBackend, CUDAProviderBackend, CoreMLProviderBackend, OpenVINOProviderBackend:
		return nil
	}
	return errors.Wrapf(ErrUnknownProvider, "%q", p.Backend)
}

// cudaOptions merges DeviceID into the passthrough options.
func (p ProviderConfig) cudaOptions() map[string]string {
	out := map[string]string{"device_id": strconv.Itoa(p.DeviceID)}
	for k, v := range p.Options {
		out[k] = v
	}
	return out
}

// append registers the provider on opts. The CPU provider is always available
// and needs no registration.
func (p ProviderConfig) append(opts *ort.SessionOptions) error {
	if err := p.Validate(); err != nil {
		return err
	}

	switch p.Backend {
	case CUDAProviderBackend:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return errors.Wrap(err, "error creating CUDA provider options")
		}
		defer cuda.Destroy()

		if err := cuda.Update(p.cudaOptions()); err != nil {
			return errors.Wrap(err, "error updating CUDA provider options")
		}
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			return errors.Wrap(err, "error enabling CUDA provider")
		}
	case CoreMLProviderBackend:
		if err := opts.AppendExecutionProviderCoreML(p.CoreMLFlags); err != nil {
			return errors.Wrap(err, "error enabling CoreML provider")
		}
	case OpenVINOProviderBackend:
		if err := opts.AppendExecutionProviderOpenVINO(p.Options); err != nil {
			return errors.Wrap(err, "error enabling OpenVINO provider")
		}
	}
	return nil
}
