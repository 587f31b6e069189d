package metrics

import (
	gopsproc "github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one CPU/memory observation of a solver process.
type ResourceSample struct {
	PID        int32
	CPUPercent float64
	RSS        uint64
	NumThreads int32
}

// Sample reads current resource usage of pid through gopsutil.
func Sample(pid int) (ResourceSample, error) {
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return ResourceSample{}, err
	}
	s := ResourceSample{PID: int32(pid)}
	if cpu, err := p.CPUPercent(); err == nil {
		s.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfo(); err == nil && mem != nil {
		s.RSS = mem.RSS
	}
	if n, err := p.NumThreads(); err == nil {
		s.NumThreads = n
	}
	return s, nil
}

// ObserveResources samples pid and publishes the gauges for name.
func ObserveResources(name string, pid int) (ResourceSample, error) {
	s, err := Sample(pid)
	if err != nil {
		return s, err
	}
	SetResources(name, s.CPUPercent, s.RSS)
	return s, nil
}
