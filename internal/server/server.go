// Package server is the local HTTP and WebSocket transport for the desktop
// shell: health, metrics, device listing, session control and event/log
// streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/liuscraft/vocistant/internal/audio/source"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/pipeline"
	"github.com/liuscraft/vocistant/internal/refine"
)

const (
	serviceName  = "vocistant"
	writeTimeout = 10 * time.Second
	streamBuffer = 256
)

// Controller is the session surface driven by control messages.
type Controller interface {
	Start(ctx context.Context, cfg pipeline.Config) error
	Stop() error
	Running() bool
	Config() pipeline.Config
	UpdateConfig(cfg pipeline.Config)
	LLMConfig() refine.Config
	UpdateLLMConfig(ctx context.Context, cfg refine.Config) error
}

// DeviceLister enumerates capture devices.
type DeviceLister func() ([]source.Device, error)

type Options struct {
	Addr       string
	Controller Controller
	Hub        *events.Hub
	Devices    DeviceLister
	Metrics    *metrics.Metrics
}

type Server struct {
	opts     Options
	srv      *http.Server
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	listener net.Listener
}

func New(opts Options) *Server {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewDiscard()
	}
	if opts.Hub == nil {
		opts.Hub = events.NewHub(events.HubOptions{Metrics: opts.Metrics})
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the shell loads from its own origin; the listener is loopback
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.srv = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.opts.Metrics.Handler())
	mux.HandleFunc("GET /api/devices", s.handleDevices)
	mux.HandleFunc("/ws/audio", s.handleAudio)
	mux.HandleFunc("/ws/logs", s.handleLogs)
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logging.Infof("Server: listening on %s", ln.Addr())
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Errorf("Server: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.opts.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and closes open WebSocket streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.srv.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
	})
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Devices == nil {
		writeJSON(w, http.StatusOK, map[string]any{"devices": []source.Device{}})
		return
	}
	devices, err := s.opts.Devices()
	if err != nil {
		logging.Warnf("Server: list devices: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	if devices == nil {
		devices = []source.Device{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debugf("Server: write response: %v", err)
	}
}

// conn serializes writes to one WebSocket.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(data)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*conn, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("Server: websocket upgrade failed: %v", err)
		return nil, false
	}
	s.opts.Metrics.ActiveWebsockets.Inc()
	return &conn{ws: ws}, true
}

// stream forwards sub to c until the subscription, the connection or the
// server ends.
func (s *Server) stream(c *conn, sub *events.Subscription, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			c.ws.Close()
			return
		case e, ok := <-sub.C():
			if !ok {
				c.ws.Close()
				return
			}
			data, err := events.Encode(e)
			if err != nil {
				logging.Warnf("Server: %v", err)
				continue
			}
			if err := c.write(data); err != nil {
				logging.Debugf("Server: websocket write: %v", err)
				c.ws.Close()
				return
			}
		}
	}
}

// handleAudio runs the control protocol. A session started from this
// connection is stopped when the connection goes away.
func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.opts.Metrics.ActiveWebsockets.Dec()
	defer c.ws.Close()

	sub := s.opts.Hub.Subscribe(streamBuffer,
		events.TypeVAD, events.TypeTranscription, events.TypeCorrection, events.TypeStatus, events.TypeIdleTimeout)
	defer sub.Close()

	stop := make(chan struct{})
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		s.stream(c, sub, stop)
	}()
	defer func() {
		close(stop)
		<-streamDone
	}()

	logging.Infof("Server: audio client connected from %s", r.RemoteAddr)
	owner := false
	for {
		var msg ControlMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debugf("Server: audio client read: %v", err)
			}
			break
		}
		if msg.Type != "control" {
			continue
		}
		started, err := s.control(r.Context(), msg)
		if err != nil {
			logging.Warnf("Server: control %q failed: %v", msg.Action, err)
			c.writeJSON(errorMessage{Type: "error", Action: msg.Action, Message: err.Error()})
			continue
		}
		switch msg.Action {
		case ActionStart:
			owner = owner || started
		case ActionStop:
			owner = false
		}
	}

	logging.Infof("Server: audio client disconnected")
	if owner && s.opts.Controller != nil && s.opts.Controller.Running() {
		if err := s.opts.Controller.Stop(); err != nil {
			logging.Warnf("Server: stop session: %v", err)
		}
	}
}

// control applies one message. started reports whether this call started
// the session.
func (s *Server) control(ctx context.Context, msg ControlMessage) (started bool, err error) {
	ctl := s.opts.Controller
	if ctl == nil {
		return false, errors.New("no session controller")
	}

	switch msg.Action {
	case ActionStart:
		if ctl.Running() {
			return false, nil
		}
		var patch PipelinePatch
		if err := decodeConfig(msg.Config, &patch); err != nil {
			return false, err
		}
		cfg, err := patch.Apply(ctl.Config())
		if err != nil {
			return false, err
		}
		// the session outlives this request
		if err := ctl.Start(s.ctx, cfg); err != nil {
			return false, err
		}
		return true, nil

	case ActionStop:
		return false, ctl.Stop()

	case ActionUpdateConfig:
		var patch PipelinePatch
		if err := decodeConfig(msg.Config, &patch); err != nil {
			return false, err
		}
		cfg, err := patch.Apply(ctl.Config())
		if err != nil {
			return false, err
		}
		ctl.UpdateConfig(cfg)
		return false, nil

	case ActionUpdateLLMConfig:
		var patch LLMPatch
		if err := decodeConfig(msg.Config, &patch); err != nil {
			return false, err
		}
		cfg, err := patch.Apply(ctl.LLMConfig())
		if err != nil {
			return false, err
		}
		return false, ctl.UpdateLLMConfig(ctx, cfg)

	default:
		return false, fmt.Errorf("unknown action %q", msg.Action)
	}
}

// handleLogs replays retained log lines, then streams new ones.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	c, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.opts.Metrics.ActiveWebsockets.Dec()
	defer c.ws.Close()

	sub := s.opts.Hub.Subscribe(streamBuffer, events.TypeLog)
	defer sub.Close()

	// reads only detect the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := c.ws.NextReader(); err != nil {
				return
			}
		}
	}()
	s.stream(c, sub, closed)
}
