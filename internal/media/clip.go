package media

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ClipSource is the audio clip a blast serves. Tagged: either a local
// file or a validated remote URL.
type ClipSource interface {
	// Ext returns the clip's file extension including the dot.
	Ext() string
	// ContentType returns the MIME type served for the clip.
	ContentType() string
	// Describe returns a short human-readable label for logs and /debug.
	Describe() string

	clipSource()
}

// LocalClip is a clip backed by a readable file on disk.
type LocalClip struct {
	Path string
}

// RemoteClip is a clip streamed from an absolute http/https URL.
type RemoteClip struct {
	URL string
}

// NewLocalClip validates that the path exists and is a readable file.
func NewLocalClip(path string) (LocalClip, error) {
	info, err := os.Stat(path)
	if err != nil {
		return LocalClip{}, fmt.Errorf("clip file not usable: %w", err)
	}
	if info.IsDir() {
		return LocalClip{}, fmt.Errorf("clip path %q is a directory", path)
	}
	f, err := os.Open(path)
	if err != nil {
		return LocalClip{}, fmt.Errorf("clip file not readable: %w", err)
	}
	_ = f.Close()
	return LocalClip{Path: path}, nil
}

// NewRemoteClip validates that the URL is absolute http or https.
func NewRemoteClip(raw string) (RemoteClip, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RemoteClip{}, fmt.Errorf("invalid clip URL: %w", err)
	}
	if !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return RemoteClip{}, fmt.Errorf("clip URL %q must be absolute http/https", raw)
	}
	if u.Host == "" {
		return RemoteClip{}, fmt.Errorf("clip URL %q lacks a host", raw)
	}
	return RemoteClip{URL: raw}, nil
}

func (c LocalClip) clipSource() {}

func (c LocalClip) Ext() string {
	if ext := filepath.Ext(c.Path); ext != "" {
		return strings.ToLower(ext)
	}
	return ".mp3"
}

func (c LocalClip) ContentType() string {
	return contentTypeForExt(c.Ext())
}

func (c LocalClip) Describe() string {
	return "file:" + c.Path
}

func (c RemoteClip) clipSource() {}

func (c RemoteClip) Ext() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ".mp3"
	}
	if ext := filepath.Ext(u.Path); ext != "" {
		return strings.ToLower(ext)
	}
	return ".mp3"
}

func (c RemoteClip) ContentType() string {
	return contentTypeForExt(c.Ext())
}

func (c RemoteClip) Describe() string {
	return "url:" + c.URL
}

func contentTypeForExt(ext string) string {
	switch ext {
	case ".wav":
		return "audio/wav"
	case ".ogg", ".oga":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".aac":
		return "audio/aac"
	case ".m4a":
		return "audio/mp4"
	default:
		return "audio/mpeg"
	}
}
