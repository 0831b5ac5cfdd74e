package source

import (
	"bufio"
	"bytes"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// ffmpegReader turns an ffmpeg image2pipe stream into individual JPEG
// frames.
type ffmpegReader struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	buf    []byte
	chunk  []byte
	fps    float64

	closeOnce sync.Once
}

var _ Reader = (*ffmpegReader)(nil)

// openFFmpeg starts an ffmpeg process transcoding the source into a
// stream of JPEG frames on stdout. It is the default capture backend.
func openFFmpeg(desc Descriptor, cfg Config) (Reader, error) {
	bin := cfg.FFmpeg
	if bin == "" {
		bin = "ffmpeg"
	}
	cmd := exec.Command(bin, ffmpegArgs(desc, cfg)...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	// Drain stderr so ffmpeg never blocks on a full pipe.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
		}
	}()

	fps := float64(cfg.FPS)
	if desc.Kind == KindFile {
		if probed := probeFileFPS(cfg, desc.Device); probed > 0 {
			fps = probed
		}
	}

	return &ffmpegReader{
		cmd:    cmd,
		stdout: stdout,
		buf:    make([]byte, 0, 1024*1024),
		chunk:  make([]byte, 8192),
		fps:    fps,
	}, nil
}

// ffmpegArgs builds the transcode invocation for a source kind. All
// variants emit MJPEG on stdout; clips are decoded unpaced because the
// producer enforces playback speed itself.
func ffmpegArgs(desc Descriptor, cfg Config) []string {
	switch desc.Kind {
	case KindNetwork:
		if strings.HasPrefix(strings.ToLower(desc.Device), "rtsp://") {
			return []string{
				"-rtsp_transport", "tcp",
				"-i", desc.Device,
				"-f", "image2pipe",
				"-vcodec", "mjpeg",
				"-r", strconv.Itoa(cfg.FPS),
				"-q:v", "5",
				"-",
			}
		}
		return []string{
			"-i", desc.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-r", strconv.Itoa(cfg.FPS),
			"-q:v", "5",
			"-",
		}
	case KindFile:
		return []string{
			"-i", desc.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	default: // V4L2 device
		return []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", strconv.Itoa(cfg.FPS),
			"-i", desc.Device,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}
}

func (f *ffmpegReader) ReadFrame() ([]byte, int, int, error) {
	for {
		if frame := extractJPEGFrame(&f.buf); frame != nil {
			w, h := 0, 0
			if cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame)); err == nil {
				w, h = cfg.Width, cfg.Height
			}
			return frame, w, h, nil
		}

		n, err := f.stdout.Read(f.chunk)
		if n > 0 {
			f.buf = append(f.buf, f.chunk[:n]...)
			continue
		}
		if err != nil {
			if err == io.EOF {
				return nil, 0, 0, io.EOF
			}
			return nil, 0, 0, fmt.Errorf("read ffmpeg output: %w", err)
		}
	}
}

func (f *ffmpegReader) FPS() float64 { return f.fps }

func (f *ffmpegReader) Close() error {
	f.closeOnce.Do(func() {
		if f.cmd.Process != nil {
			f.cmd.Process.Kill()
		}
		f.stdout.Close()
		f.cmd.Wait()
	})
	return nil
}

// extractJPEGFrame pulls one complete JPEG (FFD8..FFD9) out of buffer,
// consuming it. Returns nil when no complete frame is buffered yet.
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := -1
	for i := 0; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD8 {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil
	}

	endIdx := -1
	for i := startIdx + 2; i < len(*buffer)-1; i++ {
		if (*buffer)[i] == 0xFF && (*buffer)[i+1] == 0xD9 {
			endIdx = i + 2
			break
		}
	}
	if endIdx == -1 {
		return nil
	}

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}

// probeFileFPS asks ffprobe for a clip's declared frame rate so playback
// can be paced to it. Returns 0 when probing fails.
func probeFileFPS(cfg Config, path string) float64 {
	bin := cfg.FFprobe
	if bin == "" {
		bin = "ffprobe"
	}
	out, err := exec.Command(bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return 0
	}
	return parseFrameRate(strings.TrimSpace(string(out)))
}

// parseFrameRate parses ffprobe rational rates such as "30/1" or
// "30000/1001", plus plain decimals.
func parseFrameRate(s string) float64 {
	if s == "" {
		return 0
	}
	if num, den, ok := strings.Cut(s, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0
		}
		if rate := n / d; rate > 0 {
			return rate
		}
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0
	}
	return v
}
