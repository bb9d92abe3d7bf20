// Package camera supplies JPEG frames to the recognition pipeline, either
// live from a V4L2 device through ffmpeg or from a directory of images.
package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// Frame represents a single camera frame.
type Frame struct {
	Data      []byte
	Width     int
	Height    int
	Format    string // "JPEG" or "PNG"
	Timestamp time.Time
	// Origin names where the frame came from: a device path or a file.
	Origin string
}

// Source produces frames until the context is cancelled or the source is
// exhausted. Both channels are closed when the source stops; at most one
// error is sent.
type Source interface {
	Frames(ctx context.Context) (<-chan Frame, <-chan error)
}

// DeviceInfo contains information about a camera device.
type DeviceInfo struct {
	Path   string
	Name   string
	Driver string
}

// ErrCameraNotFound is returned when the camera device is not found.
var ErrCameraNotFound = errors.New("camera device not found")

// ErrNoFrame is returned when no frame could be captured.
var ErrNoFrame = errors.New("failed to capture frame")

// execCommand is replaced in tests.
var execCommand = exec.Command

// maxFrameSize bounds a single JPEG read from the ffmpeg pipe.
const maxFrameSize = 16 << 20

// Options configures an FFmpegSource.
type Options struct {
	Device     string
	Width      int
	Height     int
	FPS        int
	FFmpegPath string
}

// FFmpegSource streams MJPEG frames from a V4L2 device via ffmpeg.
type FFmpegSource struct {
	opts Options
}

// NewFFmpegSource creates a live source. Zero options get defaults.
func NewFFmpegSource(opts Options) *FFmpegSource {
	if opts.Device == "" {
		opts.Device = "/dev/video0"
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 640, 480
	}
	if opts.FPS <= 0 {
		opts.FPS = 15
	}
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	return &FFmpegSource{opts: opts}
}

func (s *FFmpegSource) inputArgs() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "v4l2",
		"-framerate", strconv.Itoa(s.opts.FPS),
		"-video_size", fmt.Sprintf("%dx%d", s.opts.Width, s.opts.Height),
		"-i", s.opts.Device,
	}
}

// Frames starts ffmpeg and splits its stdout into JPEG frames. Frames are
// dropped while the consumer is busy so it always sees recent images.
func (s *FFmpegSource) Frames(ctx context.Context) (<-chan Frame, <-chan error) {
	frames := make(chan Frame, 1)
	errs := make(chan error, 1)

	args := append(s.inputArgs(), "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "5", "-")
	cmd := execCommand(s.opts.FFmpegPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		errs <- fmt.Errorf("failed to open ffmpeg output: %w", err)
		close(frames)
		close(errs)
		return frames, errs
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		errs <- fmt.Errorf("failed to start ffmpeg: %w", err)
		close(frames)
		close(errs)
		return frames, errs
	}

	log := logging.Component("camera")
	log.Infof("Streaming from %s at %dx%d@%dfps", s.opts.Device, s.opts.Width, s.opts.Height, s.opts.FPS)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()

	go func() {
		defer close(errs)
		defer close(frames)
		defer close(done)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 512*1024), maxFrameSize)
		scanner.Split(SplitJPEG)

		dropped := 0
		for scanner.Scan() {
			data := make([]byte, len(scanner.Bytes()))
			copy(data, scanner.Bytes())
			f := Frame{
				Data:      data,
				Width:     s.opts.Width,
				Height:    s.opts.Height,
				Format:    "JPEG",
				Timestamp: time.Now(),
				Origin:    s.opts.Device,
			}
			select {
			case frames <- f:
			case <-ctx.Done():
			default:
				dropped++
			}
			if ctx.Err() != nil {
				break
			}
		}
		scanErr := scanner.Err()
		waitErr := cmd.Wait()

		if dropped > 0 {
			log.Debugf("Dropped %d frame(s) while the consumer was busy", dropped)
		}
		if ctx.Err() != nil {
			return
		}
		if scanErr != nil {
			errs <- fmt.Errorf("reading ffmpeg output: %w", scanErr)
			return
		}
		if waitErr != nil {
			errs <- fmt.Errorf("ffmpeg exited: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
		}
	}()

	return frames, errs
}

// Capture grabs a single frame from the device.
func (s *FFmpegSource) Capture(ctx context.Context) (Frame, error) {
	args := append(s.inputArgs(), "-frames:v", "1", "-f", "image2pipe", "-vcodec", "mjpeg", "-")
	cmd := execCommand(s.opts.FFmpegPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Frame{}, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	waitDone := make(chan error, 1)
	go func() { waitDone <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitDone
		return Frame{}, ctx.Err()
	case err := <-waitDone:
		if err != nil {
			return Frame{}, fmt.Errorf("%w: %v: %s", ErrNoFrame, err, strings.TrimSpace(stderr.String()))
		}
	}

	_, data, err := SplitJPEG(stdout.Bytes(), true)
	if err != nil || data == nil {
		return Frame{}, ErrNoFrame
	}
	return Frame{
		Data:      data,
		Width:     s.opts.Width,
		Height:    s.opts.Height,
		Format:    "JPEG",
		Timestamp: time.Now(),
		Origin:    s.opts.Device,
	}, nil
}

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images delimited by
// the SOI (FF D8) and EOI (FF D9) markers. Bytes between images are skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, []byte{0xFF, 0xD8})
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF in case it starts the next marker.
		if n := len(data); n > 0 && data[n-1] == 0xFF {
			return n - 1, nil, nil
		}
		return len(data), nil, nil
	}

	end := bytes.Index(data[start+2:], []byte{0xFF, 0xD9})
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	stop := start + 2 + end + 2
	return stop, data[start:stop], nil
}

// DirSource replays the images in a directory in name order.
type DirSource struct {
	dir string
}

// NewDirSource creates a source over dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{dir: dir}
}

// Files lists the image files the source will replay.
func (s *DirSource) Files() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			files = append(files, filepath.Join(s.dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// Frames implements Source. Every image is delivered; the channel blocks
// until the consumer takes it.
func (s *DirSource) Frames(ctx context.Context) (<-chan Frame, <-chan error) {
	frames := make(chan Frame)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(frames)

		files, err := s.Files()
		if err != nil {
			errs <- err
			return
		}

		for _, path := range files {
			f, err := ReadFile(path)
			if err != nil {
				logging.Component("camera").WithError(err).Warnf("Skipping %s", path)
				continue
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	return frames, errs
}

// ReadFile loads an image file as a Frame.
func ReadFile(path string) (Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, err
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("%s is not a supported image: %w", path, err)
	}

	var modTime time.Time
	if info, err := os.Stat(path); err == nil {
		modTime = info.ModTime()
	}

	return Frame{
		Data:      data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Format:    strings.ToUpper(format),
		Timestamp: modTime,
		Origin:    path,
	}, nil
}

// ListCameras returns the V4L2 devices present on this machine.
func ListCameras() ([]DeviceInfo, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, err
	}

	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		devices = append(devices, GetDeviceInfo(p))
	}
	return devices, nil
}

// GetDeviceInfo queries v4l2-ctl for the device name and driver.
// Missing tools leave the fields empty.
func GetDeviceInfo(device string) DeviceInfo {
	info := DeviceInfo{Path: device}

	out, err := execCommand("v4l2-ctl", "--device", device, "--info").Output()
	if err != nil {
		return info
	}

	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Driver name":
			info.Driver = strings.TrimSpace(value)
		case "Card type":
			info.Name = strings.TrimSpace(value)
		}
	}
	return info
}
