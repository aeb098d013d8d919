// Package docker runs the docker CLI for the read-only observations the tool makes of the memory
// server's containers.
package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Runner runs an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ErrUnavailable is returned when the docker binary cannot be run at all.
var ErrUnavailable = errors.New("docker unavailable")

// Exec is the Runner backed by os/exec.
func Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		msg := strings.TrimSpace(out.String())
		if msg == "" {
			return nil, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
		}
		return nil, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}

	return out.Bytes(), nil
}

// Logs returns the last tail lines of the container's log, limited to lines written at or after since
// unless since is zero. Container stdout and stderr are interleaved.
func Logs(ctx context.Context, run Runner, container string, tail int, since time.Time) (string, error) {
	if run == nil {
		run = Exec
	}
	args := []string{"logs", "--tail", strconv.Itoa(tail)}
	if !since.IsZero() {
		args = append(args, "--since", since.UTC().Format(time.RFC3339Nano))
	}
	out, err := run(ctx, "docker", append(args, container)...)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// CPUPercent returns the CPU utilization docker reports for the named container, from a single
// non-streaming stats sample.
func CPUPercent(ctx context.Context, run Runner, container string) (float64, error) {
	if run == nil {
		run = Exec
	}
	out, err := run(ctx, "docker", "stats", "--no-stream", "--format", "{{.Name}}\t{{.CPUPerc}}")
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(out), "\n") {
		name, perc, ok := strings.Cut(strings.TrimSpace(line), "\t")
		if !ok || strings.TrimSpace(name) != container {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(perc), "%"), 64)
		if err != nil {
			return 0, fmt.Errorf("parse CPU percent %q: %w", perc, err)
		}
		return v, nil
	}

	return 0, fmt.Errorf("container %s not running", container)
}
