package ffmpeg

import (
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/video-system/go-video-loader/pkg/input"
)

// Locator is a parsed source locator
type Locator struct {
	Raw         string
	Input       string // Value passed to -i
	InputFormat string // Forced input format, if any
	Live        bool   // Live sources cannot seek and have no frame count
}

// ParseLocator maps a locator onto FFmpeg input arguments.
//
//	video.mp4, file:///data/video.mp4, https://host/video.mp4  file
//	rtsp://, rtsps://, rtmp://, rtmps://, srt://, udp://, tcp://  live stream
//	v4l2:/dev/video0, avfoundation:0, dshow:video=Cam, decklink:Name  device
//	screen:, screen:1                                             screen capture
//	0, 1                                                          camera by index
func ParseLocator(raw string) (Locator, error) {
	loc := Locator{Raw: raw}
	if strings.TrimSpace(raw) == "" {
		return loc, fmt.Errorf("empty locator")
	}

	scheme := input.Scheme(raw)
	rest := strings.TrimPrefix(raw[len(scheme):], ":")

	switch scheme {
	case "":
		if index, err := strconv.Atoi(raw); err == nil && index >= 0 {
			return cameraLocator(raw, index)
		}
		loc.Input = raw
	case "file":
		loc.Input = strings.TrimPrefix(rest, "//")
	case "http", "https":
		loc.Input = raw
	case "rtsp", "rtsps", "rtmp", "rtmps", "srt", "udp", "tcp":
		// Full URL; FFmpeg auto-detects the protocol
		loc.Input = raw
		loc.Live = true
	case "v4l2", "avfoundation", "dshow", "decklink":
		loc.Input = strings.TrimPrefix(rest, "//")
		loc.InputFormat = scheme
		loc.Live = true
	case "screen":
		loc.Live = true
		switch runtime.GOOS {
		case "darwin":
			loc.InputFormat = "avfoundation"
			loc.Input = "0:none"
			if rest != "" {
				loc.Input = rest + ":none"
			}
		case "linux":
			loc.InputFormat = "x11grab"
			loc.Input = ":0.0"
			if rest != "" {
				loc.Input = rest
			}
		case "windows":
			loc.InputFormat = "gdigrab"
			loc.Input = "desktop"
		default:
			return loc, fmt.Errorf("screen capture not supported on %s", runtime.GOOS)
		}
	default:
		return loc, fmt.Errorf("unknown locator scheme: %s", scheme)
	}

	if loc.Input == "" {
		return loc, fmt.Errorf("locator %q has no input", raw)
	}
	return loc, nil
}

// cameraLocator resolves a camera index to the platform's capture device
func cameraLocator(raw string, index int) (Locator, error) {
	loc := Locator{Raw: raw, Live: true}

	switch runtime.GOOS {
	case "linux":
		loc.InputFormat = "v4l2"
		loc.Input = fmt.Sprintf("/dev/video%d", index)
	case "darwin":
		loc.InputFormat = "avfoundation"
		loc.Input = strconv.Itoa(index)
	default:
		return loc, fmt.Errorf("camera index %d not supported on %s, use a device locator", index, runtime.GOOS)
	}
	return loc, nil
}
