package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
)

// Players are tried in this order when none is configured or the configured
// one is missing.
var Players = []string{"ffplay", "mpv", "vlc", "aplay"}

// Process is one running playback.
type Process interface {
	Pause() error
	Resume() error
	Stop() error

	// Done is closed when playback ends, naturally or not.
	Done() <-chan struct{}
}

// Player starts playback of an audio file.
type Player interface {
	Start(path string) (Process, error)
}

// ExecPlayer plays files through the first local command line player found.
type ExecPlayer struct {
	// Preferred is tried before Players when set
	Preferred string

	lookPath func(file string) (string, error)
}

func NewExecPlayer(preferred string) *ExecPlayer {
	return &ExecPlayer{Preferred: preferred, lookPath: exec.LookPath}
}

// Find resolves the player binary, returning its name and path
func (p *ExecPlayer) Find() (string, string, error) {
	candidates := Players
	if p.Preferred != "" {
		candidates = append([]string{p.Preferred}, Players...)
	}

	for _, name := range candidates {
		if path, err := p.lookPath(name); err == nil {
			return name, path, nil
		}
	}

	return "", "", fmt.Errorf("no audio player found (tried: %s)", strings.Join(candidates, ", "))
}

func playerArgs(player, file string) ([]string, error) {
	switch player {
	case "ffplay":
		return []string{"-nodisp", "-autoexit", "-loglevel", "error", file}, nil
	case "mpv":
		return []string{"--no-video", "--really-quiet", file}, nil
	case "vlc":
		return []string{"--intf", "dummy", "--play-and-exit", file}, nil
	case "aplay":
		// aplay only understands WAV
		if !strings.EqualFold(filepath.Ext(file), ".wav") {
			return nil, fmt.Errorf("aplay requires a WAV file, got %s", filepath.Base(file))
		}
		return []string{"-q", file}, nil
	default:
		return nil, fmt.Errorf("unsupported player: %s", player)
	}
}

func (p *ExecPlayer) command(ctx context.Context, file string) (*exec.Cmd, string, error) {
	if _, err := os.Stat(file); err != nil {
		return nil, "", fmt.Errorf("audio file not found: %s", file)
	}

	name, path, err := p.Find()
	if err != nil {
		return nil, "", err
	}
	args, err := playerArgs(name, file)
	if err != nil {
		return nil, "", err
	}
	return exec.CommandContext(ctx, path, args...), name, nil
}

// Play blocks until playback of file completes or ctx ends.
func (p *ExecPlayer) Play(ctx context.Context, file string) error {
	cmd, name, err := p.command(ctx, file)
	if err != nil {
		return err
	}

	slog.Debug("Playing file", "player", name, "file", file)
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("playback failed with %s: %w", name, err)
	}
	return nil
}

// Start launches playback in the background
func (p *ExecPlayer) Start(file string) (Process, error) {
	cmd, name, err := p.command(context.Background(), file)
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", name, err)
	}

	proc := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		proc.err = cmd.Wait()
		close(proc.done)
		slog.Debug("Playback ended", "player", name, "error", proc.err)
	}()
	return proc, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
	stop sync.Once
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func (p *execProcess) ended() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *execProcess) Pause() error {
	if p.ended() {
		return nil
	}
	return suspend(p.cmd.Process)
}

func (p *execProcess) Resume() error {
	if p.ended() {
		return nil
	}
	return resume(p.cmd.Process)
}

func (p *execProcess) Stop() error {
	var err error
	p.stop.Do(func() {
		if p.ended() {
			return
		}
		// a stopped process must be continued before it can exit
		_ = resume(p.cmd.Process)
		if kerr := p.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			err = kerr
		}
		<-p.done
	})
	return err
}
