// Package server implements the DSP compilation service: it accepts
// compile requests over HTTP, keeps compiled factories in a
// content-addressed cache and binds running instances to UDP stream
// endpoints.
package server

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/cache"
	"github.com/pipelined/netdsp/discovery"
	"github.com/pipelined/netdsp/log"
)

// DefaultPort is the default compilation service port.
const DefaultPort = 7777

// Server is the compilation service. Each accepted connection is handled
// independently, so multiple clients may compile simultaneously; cache
// access is serialized and duplicate in-flight compiles of the same source
// are coalesced.
type Server struct {
	uid       netdsp.UID
	name      string
	port      int
	announce  bool
	probePort int

	toolchain netdsp.Toolchain
	cache     *cache.Cache
	compiles  singleflight.Group

	listener  net.Listener
	srv       *http.Server
	responder *discovery.Responder
	group     errgroup.Group

	m     sync.Mutex
	hosts map[string]*streamHost

	logger log.Logger
}

// Option configures a server before it is started.
type Option func(*Server)

// WithPort sets the service port.
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithName sets the machine name announced on discovery probes.
func WithName(name string) Option {
	return func(s *Server) {
		s.name = name
	}
}

// WithCache sets the factory cache. The server owns the cache lifecycle
// unless one is provided.
func WithCache(c *cache.Cache) Option {
	return func(s *Server) {
		s.cache = c
	}
}

// WithAnnounce makes the server answer discovery probes on the given port.
func WithAnnounce(probePort int) Option {
	return func(s *Server) {
		s.announce = true
		s.probePort = probePort
	}
}

// New creates a compilation service around a compiler toolchain.
func New(toolchain netdsp.Toolchain, options ...Option) *Server {
	s := &Server{
		uid:       netdsp.NewUID(),
		port:      DefaultPort,
		probePort: discovery.DefaultPort,
		toolchain: toolchain,
		hosts:     make(map[string]*streamHost),
		logger:    log.GetLogger(),
	}
	if host, err := os.Hostname(); err == nil {
		s.name = host
	}
	for _, option := range options {
		option(s)
	}
	if s.cache == nil {
		s.cache = cache.New()
	}
	return s
}

// Cache returns the server's factory cache.
func (s *Server) Cache() *cache.Cache {
	return s.cache
}

// Port returns the port the server listens on. After Start with port 0 it
// is the effectively bound port.
func (s *Server) Port() int {
	return s.port
}

// Start opens the listening endpoint and returns immediately.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return err
	}
	s.listener = l
	s.port = l.Addr().(*net.TCPAddr).Port

	mux := http.NewServeMux()
	mux.HandleFunc("/compile", s.handleCompile)
	mux.HandleFunc("/factory", s.handleFactory)
	mux.HandleFunc("/factories", s.handleFactories)
	mux.HandleFunc("/stream", s.handleStream)
	s.srv = &http.Server{Handler: mux}

	s.group.Go(func() error {
		if err := s.srv.Serve(l); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if s.announce {
		s.responder = discovery.NewResponder(s.name, s.port, discovery.WithProbePort(s.probePort))
		if err := s.responder.Start(); err != nil {
			s.srv.Close()
			s.group.Wait()
			return err
		}
	}
	s.logger.Info("serving on port ", s.port)
	return nil
}

// Stop closes the listening endpoint and all stream hosts. In-flight
// compiles are abandoned, not drained.
func (s *Server) Stop() error {
	if s.responder != nil {
		s.responder.Stop()
	}
	s.m.Lock()
	for _, h := range s.hosts {
		h.stop()
	}
	s.hosts = make(map[string]*streamHost)
	s.m.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Close()
	if werr := s.group.Wait(); err == nil {
		err = werr
	}
	return err
}

// handleCompile expands the source through the toolchain, consults the
// cache by shaKey and compiles only on a true miss. Failures are replied
// as a human-readable message and never cached.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req netdsp.CompileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid compile request: %v", err), http.StatusBadRequest)
		return
	}
	req = req.Clamp()

	expanded, err := s.toolchain.Expand(req.Name, req.Source, req.Flags)
	if err != nil {
		http.Error(w, fmt.Sprintf("expansion failed: %v", err), http.StatusUnprocessableEntity)
		return
	}
	sha := cache.ShaKey(expanded)

	if f := s.cache.Lookup(sha); f != nil {
		s.logger.Debug("cache hit: ", sha)
		reply(w, f.Artifact())
		return
	}

	// coalesce concurrent compiles of the same expanded source
	v, err, _ := s.compiles.Do(sha, func() (interface{}, error) {
		if f := s.cache.Lookup(sha); f != nil {
			return f, nil
		}
		a, err := s.toolchain.Compile(req, expanded)
		if err != nil {
			return nil, err
		}
		a.ShaKey = sha
		if a.Metadata == nil {
			a.Metadata = make(map[string]string)
		}
		if _, ok := a.Metadata["name"]; !ok {
			a.Metadata["name"] = req.Name
		}
		return s.cache.Insert(sha, a), nil
	})
	if err != nil {
		s.logger.Debug("compilation failed: ", err)
		http.Error(w, fmt.Sprintf("compilation failed: %v", err), http.StatusUnprocessableEntity)
		return
	}
	reply(w, v.(*cache.Factory).Artifact())
}

// handleFactory is a pure cache lookup: no compilation is triggered and an
// unknown shaKey is a plain not-found, not a server error.
func (s *Server) handleFactory(w http.ResponseWriter, r *http.Request) {
	sha := r.URL.Query().Get("sha")
	f := s.cache.Lookup(sha)
	if f == nil {
		http.Error(w, "factory not found", http.StatusNotFound)
		return
	}
	reply(w, f.Artifact())
}

func (s *Server) handleFactories(w http.ResponseWriter, r *http.Request) {
	list := make([]netdsp.FactoryInfo, 0)
	for sha, name := range s.cache.List() {
		list = append(list, netdsp.FactoryInfo{Name: name, ShaKey: sha})
	}
	reply(w, list)
}

// handleStream binds an instance of a cached factory to a fresh UDP
// endpoint and starts its stream host.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req netdsp.StreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("invalid stream request: %v", err), http.StatusBadRequest)
			return
		}
		f := s.cache.Lookup(req.ShaKey)
		if f == nil {
			http.Error(w, "factory not found", http.StatusNotFound)
			return
		}
		proc, err := s.toolchain.Instantiate(f.Artifact())
		if err != nil {
			http.Error(w, fmt.Sprintf("instance not created: %v", err), http.StatusUnprocessableEntity)
			return
		}
		if err := proc.Init(req.SampleRate); err != nil {
			http.Error(w, fmt.Sprintf("instance not created: %v", err), http.StatusUnprocessableEntity)
			return
		}
		h, err := newStreamHost(proc, req)
		if err != nil {
			http.Error(w, fmt.Sprintf("instance not created: %v", err), http.StatusUnprocessableEntity)
			return
		}
		f.Retain()
		s.m.Lock()
		s.hosts[h.id] = h
		s.m.Unlock()
		s.group.Go(func() error {
			h.run()
			f.Release()
			return nil
		})
		reply(w, netdsp.StreamReply{ID: h.id, Port: h.port()})
	case http.MethodDelete:
		id := r.URL.Query().Get("id")
		s.m.Lock()
		h, ok := s.hosts[id]
		if ok {
			delete(s.hosts, id)
		}
		s.m.Unlock()
		if !ok {
			http.Error(w, "instance not found", http.StatusNotFound)
			return
		}
		h.stop()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func reply(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
