package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/wyatt727/fartlooper/internal/netinfo"
	"github.com/wyatt727/fartlooper/pkg/logging"
)

const (
	// PreferredPort is tried first; renderers cope better with the
	// conventional port but the origin falls back to an OS-assigned one.
	PreferredPort = 8080

	upstreamConnectTimeout = 10 * time.Second
	upstreamReadTimeout    = 30 * time.Second
)

// ErrNoClip is the error the media handler answers with (404) when no
// clip has been selected yet.
var ErrNoClip = errors.New("no clip selected")

// Server is the media origin: a transient HTTP server renderers fetch
// the clip from. Its advertised base URL uses the device's routable IPv4
// so targets on the same link can reach it.
type Server struct {
	logger logging.Logger

	host          net.IP
	preferredPort int

	engine  *gin.Engine
	baseURL string

	// clip holds the current selection as an immutable snapshot; request
	// handlers capture it once and serve it to completion.
	clip atomic.Pointer[clipState]

	proxyClient *http.Client
}

type clipState struct {
	source ClipSource
}

// Option configures a Server.
type Option func(*Server)

// WithHost overrides the advertised host address (tests bind loopback).
func WithHost(ip net.IP) Option {
	return func(s *Server) { s.host = ip }
}

// WithPreferredPort overrides the preferred bind port.
func WithPreferredPort(port int) Option {
	return func(s *Server) { s.preferredPort = port }
}

// NewServer creates a media origin server.
func NewServer(logger logging.Logger, opts ...Option) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		logger:        logger,
		preferredPort: PreferredPort,
		proxyClient: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: upstreamConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: upstreamReadTimeout,
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.GET("/media/:name", s.handleMedia)
	engine.GET("/health", s.handleHealth)
	engine.GET("/debug", s.handleDebug)
	s.engine = engine

	return s
}

// Start binds the listener and begins serving. Returns the advertised
// base URL and a stop handle bound to this run's server: a later Start
// replaces the current server, and stopping a settled run through its
// handle must never touch the replacement. Bind failure is fatal for
// the pipeline.
func (s *Server) Start() (string, func(context.Context) error, error) {
	if s.host == nil {
		ip, err := netinfo.RoutableIPv4()
		if err != nil {
			return "", nil, err
		}
		s.host = ip
	}

	ln, err := net.Listen("tcp4", fmt.Sprintf("%s:%d", s.host, s.preferredPort))
	if err != nil {
		ln, err = net.Listen("tcp4", fmt.Sprintf("%s:0", s.host))
		if err != nil {
			return "", nil, fmt.Errorf("origin bind failed: %w", err)
		}
	}
	srv := &http.Server{
		Handler: s.engine,
		// No WriteTimeout: renderers stream the clip at their own pace.
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.baseURL = fmt.Sprintf("http://%s", ln.Addr().String())

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("Media origin serve loop exited")
		}
	}()

	s.logger.WithField("base_url", s.baseURL).Info("Media origin ready")
	stop := func(ctx context.Context) error { return srv.Shutdown(ctx) }
	return s.baseURL, stop, nil
}

// BaseURL returns the advertised base URL ("" before Start).
func (s *Server) BaseURL() string {
	return s.baseURL
}

// SetClip atomically swaps the served clip. In-flight responses keep the
// snapshot they started with.
func (s *Server) SetClip(clip ClipSource) {
	s.clip.Store(&clipState{source: clip})
}

// MediaURL returns the URL renderers should fetch, if a clip is set.
func (s *Server) MediaURL() (string, bool) {
	state := s.clip.Load()
	if state == nil || s.baseURL == "" {
		return "", false
	}
	switch state.source.(type) {
	case RemoteClip:
		return s.baseURL + "/media/stream", true
	default:
		return s.baseURL + "/media/current" + state.source.Ext(), true
	}
}

// ContentType returns the MIME type of the current clip.
func (s *Server) ContentType() string {
	if state := s.clip.Load(); state != nil {
		return state.source.ContentType()
	}
	return "audio/mpeg"
}

func (s *Server) handleMedia(c *gin.Context) {
	state := s.clip.Load()
	if state == nil {
		c.String(http.StatusNotFound, ErrNoClip.Error())
		return
	}

	name := c.Param("name")
	switch {
	case name == "stream":
		remote, ok := state.source.(RemoteClip)
		if !ok {
			c.String(http.StatusNotFound, "current clip is not a stream")
			return
		}
		s.serveProxy(c, remote)
	case strings.HasPrefix(name, "current."):
		local, ok := state.source.(LocalClip)
		if !ok {
			c.String(http.StatusNotFound, "current clip is not a file")
			return
		}
		s.serveLocal(c, local)
	default:
		c.String(http.StatusNotFound, "unknown media path")
	}
}

// serveLocal serves the snapshot's file. http.ServeContent handles Range
// requests; many renderers probe with a byte range before streaming.
func (s *Server) serveLocal(c *gin.Context, clip LocalClip) {
	f, err := os.Open(clip.Path)
	if err != nil {
		s.logger.WithError(err).WithField("path", clip.Path).Error("Clip open failed")
		c.String(http.StatusInternalServerError, "clip unavailable")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.String(http.StatusInternalServerError, "clip unavailable")
		return
	}

	c.Header("Content-Type", clip.ContentType())
	c.Header("Cache-Control", "no-cache")
	http.ServeContent(c.Writer, c.Request, "current"+clip.Ext(), info.ModTime(), f)
}

// serveProxy streams the snapshot's remote URL to the renderer. One
// upstream connection per incoming request; concurrent renderers each
// get their own.
func (s *Server) serveProxy(c *gin.Context, clip RemoteClip) {
	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, clip.URL, nil)
	if err != nil {
		c.String(http.StatusBadGateway, "bad upstream URL")
		return
	}

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("upstream", clip.URL).Warn("Upstream fetch failed")
		c.String(http.StatusBadGateway, "upstream unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.String(http.StatusBadGateway, "upstream returned %d", resp.StatusCode)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = clip.ContentType()
	}
	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		// Renderers drop connections mid-stream routinely; log and move on.
		s.logger.WithError(err).Debug("Stream copy ended early")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.clip.Load() == nil {
		c.String(http.StatusServiceUnavailable, "no clip")
		return
	}
	c.String(http.StatusOK, "ok")
}

func (s *Server) handleDebug(c *gin.Context) {
	var b strings.Builder
	fmt.Fprintf(&b, "base_url: %s\n", s.baseURL)
	if state := s.clip.Load(); state != nil {
		fmt.Fprintf(&b, "clip: %s\n", state.source.Describe())
		fmt.Fprintf(&b, "content_type: %s\n", state.source.ContentType())
		if u, ok := s.MediaURL(); ok {
			fmt.Fprintf(&b, "media_url: %s\n", u)
		}
	} else {
		b.WriteString("clip: none\n")
	}
	c.String(http.StatusOK, b.String())
}
