package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
)

// ProbeResult holds video file information
type ProbeResult struct {
	Format  ProbeFormat   `json:"format"`
	Streams []ProbeStream `json:"streams"`
}

// ProbeFormat holds format-level information
type ProbeFormat struct {
	Filename   string `json:"filename"`
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
	BitRate    string `json:"bit_rate"`
}

// ProbeStream holds stream-level information
type ProbeStream struct {
	Index        int    `json:"index"`
	CodecName    string `json:"codec_name"`
	CodecType    string `json:"codec_type"` // video, audio
	CodecTag     string `json:"codec_tag,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	PixFmt       string `json:"pix_fmt,omitempty"`
	FrameRate    string `json:"r_frame_rate,omitempty"`
	AvgFrameRate string `json:"avg_frame_rate,omitempty"`
	Duration     string `json:"duration,omitempty"`
	NbFrames     string `json:"nb_frames,omitempty"`
	BitRate      string `json:"bit_rate,omitempty"`
}

// Probe analyzes a video file and returns metadata
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	return f.ProbeInput(ctx, path, "")
}

// ProbeInput analyzes an input, forcing the input format when one is given
func (f *FFmpeg) ProbeInput(ctx context.Context, in, inputFormat string) (*ProbeResult, error) {
	args := []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
	}
	if inputFormat != "" {
		args = append(args, "-f", inputFormat)
	}
	args = append(args, in)

	cmd := exec.CommandContext(ctx, f.probePath, args...)
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	var result ProbeResult
	if err := json.Unmarshal(output, &result); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	return &result, nil
}

// VideoInfo returns simplified video information
type VideoInfo struct {
	Width      int
	Height     int
	Duration   float64
	Framerate  float64
	FrameCount int // -1 when unknown
	Codec      string
	CodecTag   uint32 // FourCC
	BitRate    int64
	PixelFmt   string
}

// GetVideoInfo returns simplified video information
func (f *FFmpeg) GetVideoInfo(ctx context.Context, path string) (*VideoInfo, error) {
	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	return videoInfoFromProbe(probe)
}

// videoInfoFromProbe extracts the first video stream of a probe result
func videoInfoFromProbe(probe *ProbeResult) (*VideoInfo, error) {
	info := &VideoInfo{FrameCount: -1}

	var video *ProbeStream
	for i := range probe.Streams {
		if probe.Streams[i].CodecType == "video" {
			video = &probe.Streams[i]
			break
		}
	}
	if video == nil {
		return nil, fmt.Errorf("no video stream found")
	}

	info.Width = video.Width
	info.Height = video.Height
	info.Codec = video.CodecName
	info.CodecTag = parseCodecTag(video.CodecTag)
	info.PixelFmt = video.PixFmt

	// Parse framerate (format: "30/1" or "30000/1001")
	if video.AvgFrameRate != "" {
		info.Framerate = parseFramerate(video.AvgFrameRate)
	}
	if info.Framerate == 0 && video.FrameRate != "" {
		info.Framerate = parseFramerate(video.FrameRate)
	}

	if video.BitRate != "" {
		info.BitRate, _ = strconv.ParseInt(video.BitRate, 10, 64)
	}

	// Stream duration is more precise than container duration
	if video.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(video.Duration, 64)
	}
	if info.Duration == 0 && probe.Format.Duration != "" {
		info.Duration, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	}

	// Fallback bitrate from format
	if info.BitRate == 0 && probe.Format.BitRate != "" {
		info.BitRate, _ = strconv.ParseInt(probe.Format.BitRate, 10, 64)
	}

	info.FrameCount = frameCount(video.NbFrames, info.Duration, info.Framerate)

	return info, nil
}

// frameCount prefers the container's frame count and falls back to
// duration times framerate. It returns -1 when neither is known.
func frameCount(nbFrames string, duration, framerate float64) int {
	if n, err := strconv.Atoi(nbFrames); err == nil && n > 0 {
		return n
	}
	if duration > 0 && framerate > 0 {
		return int(math.Round(duration * framerate))
	}
	return -1
}

// parseFramerate parses a framerate string like "30/1" or "30000/1001"
func parseFramerate(s string) float64 {
	var num, den int
	if n, _ := fmt.Sscanf(s, "%d/%d", &num, &den); n == 2 && den != 0 {
		return float64(num) / float64(den)
	}
	// Try parsing as plain number
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return 0
}

// parseCodecTag parses ffprobe's "0x31637661" codec tag
func parseCodecTag(s string) uint32 {
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// Resolution returns resolution string like "1920x1080"
func (v *VideoInfo) Resolution() string {
	return fmt.Sprintf("%dx%d", v.Width, v.Height)
}
