package resource

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/MegaGrindStone/episodic/internal/docker"
)

// DefaultContainer is the container running the second GPU-bound producer.
const DefaultContainer = "graphiti-ollama-1"

// DockerStatsSampler reports the CPU percent docker attributes to a container. The inference container
// burns CPU while it drives the GPU, which makes this a usable proxy where no GPU counter is readable.
type DockerStatsSampler struct {
	container string
	run       docker.Runner
}

// SysfsGPUSampler reads the amdgpu busy percentage of every card under a sysfs root and reports the
// highest.
type SysfsGPUSampler struct {
	root string
}

// ProcessSampler reports the summed CPU percent of host processes whose name contains one of the given
// names, measured over a short window.
type ProcessSampler struct {
	names  []string
	window time.Duration
}

// NewDockerStatsSampler samples container, DefaultContainer when empty. A nil run uses the docker CLI.
func NewDockerStatsSampler(container string, run docker.Runner) *DockerStatsSampler {
	if container == "" {
		container = DefaultContainer
	}
	if run == nil {
		run = docker.Exec
	}
	return &DockerStatsSampler{container: container, run: run}
}

// Sample runs one non-streaming docker stats call.
func (s *DockerStatsSampler) Sample(ctx context.Context) (float64, error) {
	v, err := docker.CPUPercent(ctx, s.run, s.container)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMonitorUnavailable, err)
	}
	return v, nil
}

// NewSysfsGPUSampler reads cards under root, "/sys" when empty.
func NewSysfsGPUSampler(root string) *SysfsGPUSampler {
	if root == "" {
		root = "/sys"
	}
	return &SysfsGPUSampler{root: root}
}

// Sample returns the busiest card's gpu_busy_percent.
func (s *SysfsGPUSampler) Sample(context.Context) (float64, error) {
	drmBase := filepath.Join(s.root, "class/drm")
	entries, err := os.ReadDir(drmBase)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrMonitorUnavailable, err)
	}

	found := false
	busiest := 0.0
	for _, entry := range entries {
		if !isCardDevice(entry.Name()) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(drmBase, entry.Name(), "device", "gpu_busy_percent"))
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
		if err != nil {
			continue
		}
		found = true
		busiest = max(busiest, v)
	}

	if !found {
		return 0, fmt.Errorf("%w: no gpu_busy_percent under %s", ErrMonitorUnavailable, drmBase)
	}
	return busiest, nil
}

// isCardDevice matches card0, card1, ... but not connector entries such as card0-DP-1.
func isCardDevice(name string) bool {
	rest, ok := strings.CutPrefix(name, "card")
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.Atoi(rest)
	return err == nil
}

// NewProcessSampler matches processes by name, case-insensitively. A zero window uses one second.
func NewProcessSampler(names []string, window time.Duration) *ProcessSampler {
	if window <= 0 {
		window = time.Second
	}
	lower := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.ToLower(strings.TrimSpace(n)); n != "" {
			lower = append(lower, n)
		}
	}
	return &ProcessSampler{names: lower, window: window}
}

// Sample measures CPU time consumed by matching processes over the window. No matching process means
// the producer is not running, which is idle.
func (s *ProcessSampler) Sample(ctx context.Context) (float64, error) {
	if len(s.names) == 0 {
		return 0, fmt.Errorf("%w: no process names configured", ErrMonitorUnavailable)
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list processes: %w", ErrMonitorUnavailable, err)
	}

	before := make(map[int32]float64)
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !s.matches(name) {
			continue
		}
		t, err := p.TimesWithContext(ctx)
		if err != nil {
			continue
		}
		before[p.Pid] = t.User + t.System
	}
	if len(before) == 0 {
		return 0, nil
	}

	start := time.Now()
	timer := time.NewTimer(s.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}
	elapsed := time.Since(start).Seconds()

	used := 0.0
	for pid, was := range before {
		p, err := process.NewProcessWithContext(ctx, pid)
		if err != nil {
			continue
		}
		t, err := p.TimesWithContext(ctx)
		if err != nil {
			continue
		}
		if d := t.User + t.System - was; d > 0 {
			used += d
		}
	}

	return used / elapsed * 100, nil
}

func (s *ProcessSampler) matches(name string) bool {
	name = strings.ToLower(name)
	for _, n := range s.names {
		if strings.Contains(name, n) {
			return true
		}
	}
	return false
}
