package capture

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// PipeWire lists and links PipeWire/JACK ports through pw-link
type PipeWire struct {
	run func(ctx context.Context, args ...string) ([]byte, error)
}

// NewPipeWire creates a new PipeWire instance
func NewPipeWire() *PipeWire {
	return &PipeWire{run: runPwLink}
}

func runPwLink(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, "pw-link", args...).CombinedOutput()
}

// ListSources returns all output ports, i.e. everything that can be captured
func (pw *PipeWire) ListSources(ctx context.Context) ([]string, error) {
	output, err := pw.run(ctx, "-o")
	if err != nil {
		return nil, fmt.Errorf("failed to list PipeWire ports: %w", err)
	}
	return parsePortList(string(output)), nil
}

func parsePortList(output string) []string {
	var ports []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "Input ports:") && !strings.HasPrefix(line, "Output ports:") {
			ports = append(ports, line)
		}
	}
	return ports
}

// ValidateSource checks a source port exists exactly once
func (pw *PipeWire) ValidateSource(ctx context.Context, source string) error {
	if source == "" || source == "disabled" {
		return nil
	}

	ports, err := pw.ListSources(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	return validateSourceInList(source, ports)
}

func validateSourceInList(source string, ports []string) error {
	duplicates := findDuplicatesInList(source, ports)
	switch {
	case len(duplicates) == 0:
		return fmt.Errorf("%w: port not found: %s", ErrDeviceUnavailable, source)
	case len(duplicates) > 1:
		return fmt.Errorf("%w: duplicate sources detected for '%s': %v. Please close conflicting applications", ErrDeviceUnavailable, source, duplicates)
	}
	return nil
}

// findDuplicatesInList finds all ports with exactly the same name
func findDuplicatesInList(portName string, allPorts []string) []string {
	var duplicates []string
	for _, port := range allPorts {
		if port == portName {
			duplicates = append(duplicates, port)
		}
	}
	return duplicates
}

// WaitForPort polls until portName shows up in the input or output port list
func (pw *PipeWire) WaitForPort(ctx context.Context, portName string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		if output, err := pw.run(ctx, "-io"); err == nil {
			for _, port := range parsePortList(string(output)) {
				if port == portName {
					slog.Debug("JACK port found", "port", portName)
					return nil
				}
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for JACK port: %s", portName)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// ConnectPortsWithRetry connects two JACK ports, retrying longer for
// application ports that may take a while to appear
func (pw *PipeWire) ConnectPortsWithRetry(ctx context.Context, sourcePort, destPort string) error {
	maxRetries := 5
	retryDelay := 500 * time.Millisecond
	if isEphemeralPort(sourcePort) {
		maxRetries = 15
		retryDelay = 1 * time.Second
		slog.Debug("Using ephemeral port retry strategy", "source", sourcePort, "retries", maxRetries)
	}

	for attempt := 1; attempt <= maxRetries; attempt++ {
		output, err := pw.run(ctx, sourcePort, destPort)
		if err == nil {
			slog.Debug("Connected ports successfully", "source", sourcePort, "dest", destPort, "attempt", attempt)
			return nil
		}
		slog.Debug("Connection attempt failed", "source", sourcePort, "dest", destPort, "attempt", attempt, "error", err, "output", strings.TrimSpace(string(output)))

		if attempt < maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return fmt.Errorf("%w: failed to connect %s to %s after %d attempts", ErrDeviceUnavailable, sourcePort, destPort, maxRetries)
}

// isEphemeralPort determines if a port belongs to an application that may come and go
func isEphemeralPort(portName string) bool {
	lowerPort := strings.ToLower(portName)

	ephemeralApps := []string{
		"chrome", "firefox", "spotify", "discord", "steam",
		"vlc", "mpv", "zoom", "teams", "slack", "wire",
	}

	for _, app := range ephemeralApps {
		if strings.Contains(lowerPort, app) {
			return true
		}
	}

	return false
}

// jackClientName is the JACK client ffmpeg registers under pw-jack
const jackClientName = "memocapture"

// linkSources returns a Connect hook that wires sources (comma separated, one
// per channel) to the ffmpeg JACK client inputs.
func (pw *PipeWire) linkSources(sources string) func(ctx context.Context, c Constraints) error {
	return func(ctx context.Context, c Constraints) error {
		list := strings.Split(sources, ",")
		for i := 0; i < c.Channels; i++ {
			source := strings.TrimSpace(list[i%len(list)])
			dest := fmt.Sprintf("%s:input_%d", jackClientName, i+1)

			if err := pw.WaitForPort(ctx, dest, 5*time.Second); err != nil {
				return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
			}
			if err := pw.ConnectPortsWithRetry(ctx, source, dest); err != nil {
				return err
			}
			slog.Info("Connected capture source", "source", source, "dest", dest)
		}
		return nil
	}
}
