package gpu

import (
	"errors"
	"fmt"
	"sync"

	qerrors "github.com/23skdu/quiver/internal/errors"
	"github.com/23skdu/quiver/internal/memory"
)

// ErrGPUNotAvailable is returned when no native device runtime is linked
// into the build.
var ErrGPUNotAvailable = errors.New("GPU support not enabled in this build")

// DeviceInfo describes one device as reported by the runtime.
type DeviceInfo struct {
	ID          int
	Name        string
	MemoryBytes int
	Precisions  []memory.Precision
}

// Supports reports whether the device has a kernel for p.
func (d DeviceInfo) Supports(p memory.Precision) bool {
	for _, have := range d.Precisions {
		if have == p {
			return true
		}
	}
	return false
}

// Runtime is the device runtime. Launch blocks until the kernel finishes.
type Runtime interface {
	DeviceCount() int
	Device(id int) (DeviceInfo, error)
	Launch(device int, k *L2Kernel) error
}

// HostRuntimeConfig configures an emulated runtime.
type HostRuntimeConfig struct {
	Devices     int
	MemoryBytes int
	Precisions  []memory.Precision
}

// DefaultHostRuntimeConfig returns one emulated device with 1 GiB and every
// kernel precision.
func DefaultHostRuntimeConfig() HostRuntimeConfig {
	return HostRuntimeConfig{
		Devices:     1,
		MemoryBytes: 1 << 30,
		Precisions:  []memory.Precision{memory.FP32, memory.FP16, memory.INT8},
	}
}

// HostRuntime runs the distance kernels on the host CPU. It stands in for a
// native runtime on machines without GPUs and in tests.
type HostRuntime struct {
	devices []DeviceInfo

	mu    sync.Mutex
	fault func(device int, k *L2Kernel) error
	calls map[int]int
}

// NewHostRuntime creates an emulated runtime.
func NewHostRuntime(cfg HostRuntimeConfig) *HostRuntime {
	if cfg.Devices < 0 {
		cfg.Devices = 0
	}
	if cfg.MemoryBytes <= 0 {
		cfg.MemoryBytes = DefaultHostRuntimeConfig().MemoryBytes
	}
	if len(cfg.Precisions) == 0 {
		cfg.Precisions = DefaultHostRuntimeConfig().Precisions
	}
	r := &HostRuntime{calls: make(map[int]int)}
	for i := 0; i < cfg.Devices; i++ {
		r.devices = append(r.devices, DeviceInfo{
			ID:          i,
			Name:        fmt.Sprintf("host-%d", i),
			MemoryBytes: cfg.MemoryBytes,
			Precisions:  append([]memory.Precision(nil), cfg.Precisions...),
		})
	}
	return r
}

func (r *HostRuntime) DeviceCount() int { return len(r.devices) }

func (r *HostRuntime) Device(id int) (DeviceInfo, error) {
	if id < 0 || id >= len(r.devices) {
		return DeviceInfo{}, qerrors.InvalidInput("device", fmt.Sprintf("no device %d", id))
	}
	return r.devices[id], nil
}

// SetFault installs a hook consulted before every launch; a non-nil result
// fails the launch. Pass nil to clear it.
func (r *HostRuntime) SetFault(fn func(device int, k *L2Kernel) error) {
	r.mu.Lock()
	r.fault = fn
	r.mu.Unlock()
}

// Launches returns how many kernels ran on device.
func (r *HostRuntime) Launches(device int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[device]
}

func (r *HostRuntime) Launch(device int, k *L2Kernel) error {
	info, err := r.Device(device)
	if err != nil {
		return err
	}
	if !info.Supports(k.Precision) {
		return qerrors.InvalidInput("launch_kernel", fmt.Sprintf("no %s kernel on %s", k.Precision, info.Name))
	}
	if err := k.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	fault := r.fault
	r.calls[device]++
	r.mu.Unlock()
	if fault != nil {
		if err := fault(device, k); err != nil {
			return err
		}
	}
	return k.run()
}

// NewNativeRuntime returns the runtime of a linked GPU driver. Builds
// without one report ErrGPUNotAvailable.
func NewNativeRuntime() (Runtime, error) {
	return nil, ErrGPUNotAvailable
}
