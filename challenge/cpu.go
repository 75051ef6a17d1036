package challenge

import "github.com/shirou/gopsutil/v3/cpu"

// CPUSampler returns a current CPU utilization in percents (0..100).
type CPUSampler interface {
	Percent() float64
}

type systemCPU struct{}

// Percent returns utilization since the previous call. If it cannot be
// measured, the machine is considered busy.
func (systemCPU) Percent() float64 {
	values, err := cpu.Percent(0, false)
	if err != nil || len(values) == 0 {
		return 100 //nolint: gomnd
	}

	return values[0]
}

// NewSystemCPU returns a sampler of the host CPU utilization.
func NewSystemCPU() CPUSampler {
	return systemCPU{}
}
