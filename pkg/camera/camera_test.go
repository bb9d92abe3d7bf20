package camera

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

func fakeExecCommand(command string, args ...string) *exec.Cmd {
	cs := []string{"-test.run=TestHelperProcess", "--", command}
	cs = append(cs, args...)
	cmd := exec.Command(os.Args[0], cs...)
	cmd.Env = []string{"GO_WANT_HELPER_PROCESS=1"}
	return cmd
}

func failingExecCommand(command string, args ...string) *exec.Cmd {
	cmd := fakeExecCommand(command, args...)
	cmd.Env = append(cmd.Env, "TEST_FAIL_FFMPEG=1")
	return cmd
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	// os.Args: [test_binary, -test.run=TestHelperProcess, --, command, args...]
	if len(os.Args) < 4 {
		os.Exit(1)
	}

	args := os.Args[3:]
	switch args[0] {
	case "v4l2-ctl":
		fmt.Println("Driver Info:")
		fmt.Println("\tDriver name      : uvcvideo")
		fmt.Println("\tCard type        : Integrated Camera")
		os.Exit(0)
	case "ffmpeg":
		if os.Getenv("TEST_FAIL_FFMPEG") == "1" {
			fmt.Fprintln(os.Stderr, "/dev/video0: No such file or directory")
			os.Exit(1)
		}

		single := false
		for _, arg := range args {
			if arg == "-frames:v" {
				single = true
			}
		}

		if single {
			_, _ = os.Stdout.Write(testJPEG())
			os.Exit(0)
		}

		for i := 0; i < 50; i++ {
			_, _ = os.Stdout.Write([]byte{0xFF, 0xD8})
			_, _ = os.Stdout.Write([]byte("fake_jpeg_data"))
			_, _ = os.Stdout.Write([]byte{0xFF, 0xD9})
			// Garbage between frames.
			_, _ = os.Stdout.Write([]byte{0x00, 0x00})
			time.Sleep(10 * time.Millisecond)
		}
		time.Sleep(2 * time.Second)
		os.Exit(0)
	}
	os.Exit(0)
}

func testJPEG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(10, 10, color.RGBA{255, 0, 0, 255})
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, nil)
	return buf.Bytes()
}

func TestSplitJPEG(t *testing.T) {
	stream := []byte{0x00, 0xFF, 0xD8, 'a', 0xFF, 0xD9, 0x12, 0xFF, 0xD8, 'b', 'c', 0xFF, 0xD9, 0xFF}

	scanner := bufio.NewScanner(bytes.NewReader(stream))
	scanner.Split(SplitJPEG)

	var frames [][]byte
	for scanner.Scan() {
		frames = append(frames, append([]byte(nil), scanner.Bytes()...))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scanner error: %v", err)
	}

	want := [][]byte{
		{0xFF, 0xD8, 'a', 0xFF, 0xD9},
		{0xFF, 0xD8, 'b', 'c', 0xFF, 0xD9},
	}
	if len(frames) != len(want) {
		t.Fatalf("expected %d frames, got %d", len(want), len(frames))
	}
	for i := range want {
		if !bytes.Equal(frames[i], want[i]) {
			t.Errorf("frame %d: got %x, want %x", i, frames[i], want[i])
		}
	}
}

func TestSplitJPEG_Incomplete(t *testing.T) {
	advance, token, err := SplitJPEG([]byte{0x01, 0xFF, 0xD8, 'x'}, false)
	if err != nil || token != nil {
		t.Fatalf("unexpected token %x err %v", token, err)
	}
	if advance != 1 {
		t.Errorf("expected to skip leading garbage only, advanced %d", advance)
	}

	advance, token, _ = SplitJPEG([]byte{0x01, 0x02, 0xFF}, false)
	if token != nil || advance != 2 {
		t.Errorf("trailing 0xFF must be kept, advanced %d", advance)
	}
}

func TestNewFFmpegSource_Defaults(t *testing.T) {
	s := NewFFmpegSource(Options{})
	if s.opts.Device != "/dev/video0" || s.opts.Width != 640 || s.opts.Height != 480 {
		t.Errorf("unexpected defaults: %+v", s.opts)
	}
	if s.opts.FPS != 15 || s.opts.FFmpegPath != "ffmpeg" {
		t.Errorf("unexpected defaults: %+v", s.opts)
	}
}

func TestFFmpegSource_Streaming(t *testing.T) {
	execCommand = fakeExecCommand
	defer func() { execCommand = exec.Command }()

	ctx, cancel := context.WithCancel(context.Background())
	frames, errs := NewFFmpegSource(Options{Device: "/dev/video0"}).Frames(ctx)

	for i := 0; i < 3; i++ {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("stream closed early (frame %d): %v", i, <-errs)
			}
			if !bytes.HasPrefix(f.Data, []byte{0xFF, 0xD8}) || !bytes.HasSuffix(f.Data, []byte{0xFF, 0xD9}) {
				t.Errorf("frame %d is not a delimited JPEG: %x", i, f.Data)
			}
			if f.Origin != "/dev/video0" || f.Format != "JPEG" {
				t.Errorf("unexpected frame metadata: %+v", f)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}

	cancel()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-frames:
			if !ok {
				if err, ok := <-errs; ok && err != nil {
					t.Errorf("cancelled stream should not report an error, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("stream did not stop after cancel")
		}
	}
}

func TestFFmpegSource_ProcessFailure(t *testing.T) {
	execCommand = failingExecCommand
	defer func() { execCommand = exec.Command }()

	frames, errs := NewFFmpegSource(Options{}).Frames(context.Background())

	for range frames {
		t.Error("failing ffmpeg should not produce frames")
	}
	err := <-errs
	if err == nil {
		t.Fatal("expected an error from failing ffmpeg")
	}
}

func TestFFmpegSource_Capture(t *testing.T) {
	execCommand = fakeExecCommand
	defer func() { execCommand = exec.Command }()

	frame, err := NewFFmpegSource(Options{}).Capture(context.Background())
	if err != nil {
		t.Fatalf("Capture failed: %v", err)
	}
	if len(frame.Data) < 2 || frame.Data[0] != 0xFF || frame.Data[1] != 0xD8 {
		t.Error("Capture returned invalid JPEG data")
	}
	if _, err := jpeg.Decode(bytes.NewReader(frame.Data)); err != nil {
		t.Errorf("captured frame does not decode: %v", err)
	}
}

func TestFFmpegSource_CaptureFailure(t *testing.T) {
	execCommand = failingExecCommand
	defer func() { execCommand = exec.Command }()

	if _, err := NewFFmpegSource(Options{}).Capture(context.Background()); err == nil {
		t.Error("expected error from failing ffmpeg")
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()

	writeJPEG := func(name string) {
		if err := os.WriteFile(filepath.Join(dir, name), testJPEG(), 0644); err != nil {
			t.Fatal(err)
		}
	}
	writeJPEG("b.jpg")
	writeJPEG("a.JPEG")

	var pngBuf bytes.Buffer
	_ = png.Encode(&pngBuf, image.NewGray(image.Rect(0, 0, 8, 8)))
	_ = os.WriteFile(filepath.Join(dir, "c.png"), pngBuf.Bytes(), 0644)
	_ = os.WriteFile(filepath.Join(dir, "d.jpg"), []byte("not an image"), 0644)
	_ = os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0644)
	_ = os.Mkdir(filepath.Join(dir, "sub.jpg"), 0755)

	frames, errs := NewDirSource(dir).Frames(context.Background())

	var got []Frame
	for f := range frames {
		got = append(got, f)
	}
	if err := <-errs; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	wantOrder := []string{"a.JPEG", "b.jpg", "c.png"}
	for i, f := range got {
		if filepath.Base(f.Origin) != wantOrder[i] {
			t.Errorf("position %d: expected %s, got %s", i, wantOrder[i], f.Origin)
		}
	}
	if got[0].Width != 64 || got[0].Height != 48 || got[0].Format != "JPEG" {
		t.Errorf("unexpected JPEG metadata: %+v", got[0])
	}
	if got[2].Format != "PNG" {
		t.Errorf("expected PNG format, got %s", got[2].Format)
	}
}

func TestDirSource_Missing(t *testing.T) {
	frames, errs := NewDirSource(filepath.Join(t.TempDir(), "missing")).Frames(context.Background())
	for range frames {
	}
	if err := <-errs; err == nil {
		t.Error("expected error for missing directory")
	}
}

func TestDirSource_Cancel(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		_ = os.WriteFile(filepath.Join(dir, fmt.Sprintf("%d.jpg", i)), testJPEG(), 0644)
	}

	ctx, cancel := context.WithCancel(context.Background())
	frames, _ := NewDirSource(dir).Frames(ctx)

	<-frames
	cancel()

	select {
	case <-drain(frames):
	case <-time.After(2 * time.Second):
		t.Fatal("source did not stop after cancel")
	}
}

func drain(frames <-chan Frame) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range frames {
		}
		close(done)
	}()
	return done
}

func TestGetDeviceInfo(t *testing.T) {
	execCommand = fakeExecCommand
	defer func() { execCommand = exec.Command }()

	info := GetDeviceInfo("/dev/video0")

	if info.Driver != "uvcvideo" {
		t.Errorf("expected driver uvcvideo, got %s", info.Driver)
	}
	if info.Name != "Integrated Camera" {
		t.Errorf("expected name Integrated Camera, got %s", info.Name)
	}
	if info.Path != "/dev/video0" {
		t.Errorf("unexpected path %s", info.Path)
	}
}

func TestListCameras(t *testing.T) {
	execCommand = fakeExecCommand
	defer func() { execCommand = exec.Command }()

	// Depends on /dev/video* on the host; only check it runs.
	if _, err := ListCameras(); err != nil {
		t.Errorf("ListCameras failed: %v", err)
	}
}
