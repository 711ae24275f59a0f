package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/video-system/go-video-loader/pkg/input"
)

// FFmpeg wraps FFmpeg binary execution
type FFmpeg struct {
	binaryPath string
	probePath  string
}

// New creates a new FFmpeg wrapper
func New() (*FFmpeg, error) {
	ffmpegPath, err := findBinary("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	ffprobePath, err := findBinary("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}

	return &FFmpeg{
		binaryPath: ffmpegPath,
		probePath:  ffprobePath,
	}, nil
}

// findBinary locates a binary in PATH or common locations
func findBinary(name string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}

	var paths []string
	switch runtime.GOOS {
	case "darwin":
		paths = []string{
			"/opt/homebrew/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "linux":
		paths = []string{
			"/usr/bin/" + name,
			"/usr/local/bin/" + name,
		}
	case "windows":
		paths = []string{
			"C:\\ffmpeg\\bin\\" + name + ".exe",
			"C:\\Program Files\\ffmpeg\\bin\\" + name + ".exe",
		}
	}

	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("%s not found in PATH or common locations", name)
}

// Version returns the FFmpeg version string
func (f *FFmpeg) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, f.binaryPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}
	return "", fmt.Errorf("no version output")
}

// DecoderConfig holds configuration for a raw frame decoder
type DecoderConfig struct {
	Input       string  // File path, URL or device
	InputFormat string  // Optional: force input format (v4l2, avfoundation)
	Start       float64 // Seconds to seek before decoding (0 = from start)

	Width       int               // Output width (0 = source)
	Height      int               // Output height (0 = source)
	PixelFormat input.PixelFormat // Output pixel format (default rgb24)
}

// decoder is a running FFmpeg process writing raw frames to stdout
type decoder struct {
	cmd        *exec.Cmd
	stdout     *bufio.Reader
	cancel     context.CancelFunc
	stderrDone chan struct{}

	mu      sync.Mutex
	errTail []string

	waitOnce sync.Once
	waitErr  error
}

// startDecoder starts an FFmpeg process decoding cfg.Input to raw frames
func (f *FFmpeg) startDecoder(ctx context.Context, cfg DecoderConfig, log logrus.FieldLogger) (*decoder, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, f.binaryPath, buildDecoderArgs(cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	// Capture stderr for error reporting
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	d := &decoder{
		cmd:        cmd,
		stdout:     bufio.NewReaderSize(stdout, 1<<20),
		cancel:     cancel,
		stderrDone: make(chan struct{}),
	}

	go d.monitorOutput(bufio.NewScanner(stderrPipe), log)

	return d, nil
}

// monitorOutput keeps the tail of FFmpeg stderr for error reporting
func (d *decoder) monitorOutput(scanner *bufio.Scanner, log logrus.FieldLogger) {
	defer close(d.stderrDone)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		log.WithField("line", line).Debug("FFmpeg")

		d.mu.Lock()
		d.errTail = append(d.errTail, line)
		if len(d.errTail) > 5 {
			d.errTail = d.errTail[1:]
		}
		d.mu.Unlock()
	}
}

// readFrame fills buf with the next frame. It returns io.EOF when the
// process produced no more complete frames.
func (d *decoder) readFrame(buf []byte) error {
	_, err := io.ReadFull(d.stdout, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Truncated final frame
		return io.EOF
	}
	return err
}

// wait reaps the process. Only call it once stdout has been read to EOF or
// the process was killed, since Wait closes the pipes.
func (d *decoder) wait() error {
	d.waitOnce.Do(func() {
		<-d.stderrDone
		d.waitErr = d.cmd.Wait()
	})
	return d.waitErr
}

// failure reaps a process whose output ended and returns its exit error
// with the stderr tail, or nil if it exited cleanly.
func (d *decoder) failure() error {
	err := d.wait()
	if err == nil {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errTail) == 0 {
		return fmt.Errorf("ffmpeg decode: %w", err)
	}
	return fmt.Errorf("ffmpeg decode: %w: %s", err, strings.Join(d.errTail, "; "))
}

// close kills the process and reaps it. Nothing is written to disk so there
// is nothing to finalize gracefully.
func (d *decoder) close() {
	if d.cmd.Process != nil {
		_ = d.cmd.Process.Kill()
	}
	_ = d.wait()
	d.cancel()
}

// buildDecoderArgs builds FFmpeg arguments for raw frame output on stdout
func buildDecoderArgs(cfg DecoderConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

	// Input
	if cfg.InputFormat != "" {
		args = append(args, "-f", cfg.InputFormat)
	}
	if cfg.Start > 0 {
		// Input seeking is frame accurate when transcoding
		args = append(args, "-ss", fmt.Sprintf("%.6f", cfg.Start))
	}
	args = append(args, "-i", cfg.Input)

	// First video stream only
	args = append(args, "-map", "0:v:0", "-an", "-sn")

	if cfg.Width > 0 && cfg.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height))
	}

	pixFmt := cfg.PixelFormat
	if pixFmt == "" {
		pixFmt = input.FormatRGB24
	}

	args = append(args,
		"-fps_mode", "passthrough",
		"-f", "rawvideo",
		"-pix_fmt", string(pixFmt),
		"pipe:1",
	)

	return args
}
