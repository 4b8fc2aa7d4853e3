package media

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"

	"github.com/andresmejia3/deepswap/internal/utils"
)

// VideoInfo is the container metadata of the first video stream.
type VideoInfo struct {
	Width      int
	Height     int
	FPS        float64
	FrameCount int    // 0 when unknown
	Codec      string // ffmpeg codec name, e.g. "h264"
	CodecTag   string // fourcc, e.g. "avc1"
}

// FrameSize is the byte length of one decoded RGBA frame.
func (v VideoInfo) FrameSize() int {
	return v.Width * v.Height * 4
}

// ProcessError is returned when an ffmpeg/ffprobe child process fails.
// Cmd holds its captured stderr for the error box.
type ProcessError struct {
	Op  string
	Err error
	Cmd *utils.SafeCommand
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

type ffprobeOutput struct {
	Streams []struct {
		CodecName     string `json:"codec_name"`
		CodecTag      string `json:"codec_tag_string"`
		Width         int    `json:"width"`
		Height        int    `json:"height"`
		RFrameRate    string `json:"r_frame_rate"`
		AvgFrameRate  string `json:"avg_frame_rate"`
		NbFrames      string `json:"nb_frames"`
		NbReadPackets string `json:"nb_read_packets"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the metadata of the first video stream with ffprobe.
func Probe(ctx context.Context, path string) (VideoInfo, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe not found in PATH: %w", err)
	}

	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0",
		"-show_entries", "stream=codec_name,codec_tag_string,width,height,r_frame_rate,avg_frame_rate,nb_frames:format=duration",
		"-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return VideoInfo{}, &ProcessError{Op: "ffprobe " + path, Err: err, Cmd: cmd}
	}

	info, err := parseProbe(out)
	if err != nil {
		return VideoInfo{}, err
	}

	// Slow path: some containers carry no frame count in their metadata.
	if info.FrameCount <= 0 {
		info.FrameCount = CountFrames(ctx, path)
	}
	return info, nil
}

func parseProbe(data []byte) (VideoInfo, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(data, &res); err != nil {
		return VideoInfo{}, fmt.Errorf("ffprobe JSON parse error: %w", err)
	}
	if len(res.Streams) == 0 {
		return VideoInfo{}, fmt.Errorf("no video stream found")
	}

	s := res.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return VideoInfo{}, fmt.Errorf("invalid video dimensions %dx%d", s.Width, s.Height)
	}

	fps := parseRate(s.AvgFrameRate)
	if fps <= 0 {
		fps = parseRate(s.RFrameRate)
	}
	if fps <= 0 {
		return VideoInfo{}, fmt.Errorf("unable to determine frame rate (r_frame_rate=%q)", s.RFrameRate)
	}

	info := VideoInfo{
		Width:    s.Width,
		Height:   s.Height,
		FPS:      fps,
		Codec:    s.CodecName,
		CodecTag: s.CodecTag,
	}
	if n, err := strconv.Atoi(s.NbFrames); err == nil && n > 0 {
		info.FrameCount = n
	} else if d, err := strconv.ParseFloat(res.Format.Duration, 64); err == nil && d > 0 {
		info.FrameCount = int(math.Round(d * fps))
	}
	return info, nil
}

// parseRate parses ffprobe rationals such as "30000/1001" or plain "25".
func parseRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// CountFrames counts video packets with ffprobe.
// It returns 0 if the count fails, allowing progress bars to fall back to a spinner.
func CountFrames(ctx context.Context, path string) int {
	cmd := utils.NewSafeCommand(ctx, "ffprobe", "-v", "error", "-select_streams", "v:0", "-count_packets",
		"-show_entries", "stream=nb_read_packets", "-of", "json", path)
	out, err := cmd.Output()
	if err != nil {
		return 0
	}

	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil || len(res.Streams) == 0 {
		return 0
	}
	count, err := strconv.Atoi(res.Streams[0].NbReadPackets)
	if err != nil {
		return 0
	}
	return count
}
