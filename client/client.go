// Package client is the client-side API of the remote DSP service: it
// turns source text or files into compile requests, holds handles to
// server-cached factories and binds them to network-backed instances.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pipelined/netdsp"
	"github.com/pipelined/netdsp/log"
)

// Client holds locally issued factory handles. Keep it alive for as long
// as handles are held: DeleteAllFactories invalidates every one of them at
// once.
type Client struct {
	m         sync.Mutex
	factories map[string]*RemoteFactory
	httpc     *http.Client
	logger    log.Logger
}

// New creates a client with an empty handle registry.
func New() *Client {
	return &Client{
		factories: make(map[string]*RemoteFactory),
		// control RPCs are one-shot: keeping connections alive only
		// pins goroutines between calls
		httpc:  &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
		logger: log.GetLogger(),
	}
}

// Option configures a compile request.
type Option func(*netdsp.CompileRequest)

// WithTarget sets a cross-compilation target.
func WithTarget(target string) Option {
	return func(r *netdsp.CompileRequest) {
		r.Target = target
	}
}

// CreateFromFile resolves source from a file and compiles it remotely.
// The application name is the file name without extension.
func (c *Client) CreateFromFile(addr string, port int, path string, flags []string, optLevel int, options ...Option) (*RemoteFactory, error) {
	source, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return c.CreateFromString(addr, port, name, string(source), flags, optLevel, options...)
}

// CreateFromString sends a compile request and blocks until the response
// or a connection failure. On success the returned handle is registered
// with the client; on failure the error carries the server's message.
func (c *Client) CreateFromString(addr string, port int, name, source string, flags []string, optLevel int, options ...Option) (*RemoteFactory, error) {
	req := netdsp.CompileRequest{
		Name:     name,
		Source:   source,
		Flags:    flags,
		OptLevel: optLevel,
	}
	for _, option := range options {
		option(&req)
	}
	req = req.Clamp()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpc.Post(controlURL(addr, port, "/compile"), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := ioutil.ReadAll(resp.Body)
		return nil, fmt.Errorf("%s", strings.TrimSpace(string(msg)))
	}
	var a netdsp.Artifact
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	return c.register(addr, port, &a), nil
}

// GetFromShaKey looks a factory up in the server cache by its shaKey. It
// never triggers compilation: an unknown key yields a factory-not-found
// error.
func (c *Client) GetFromShaKey(addr string, port int, shaKey string) (*RemoteFactory, error) {
	resp, err := c.httpc.Get(controlURL(addr, port, "/factory?sha="+shaKey))
	if err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, &netdsp.Error{Code: netdsp.FactoryNotFound, Message: shaKey}
	default:
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: resp.Status}
	}
	var a netdsp.Artifact
	if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
		return nil, &netdsp.Error{Code: netdsp.ControlConnection, Message: err.Error()}
	}
	return c.register(addr, port, &a), nil
}

// DeleteFactory releases the local handle. The server-side cache entry is
// not evicted.
func (c *Client) DeleteFactory(f *RemoteFactory) {
	if f == nil {
		return
	}
	c.m.Lock()
	delete(c.factories, f.uid.ID())
	c.m.Unlock()
	f.invalidate()
}

// DeleteAllFactories invalidates every locally held handle at once.
// Previously returned factories must not be used afterwards.
func (c *Client) DeleteAllFactories() {
	c.m.Lock()
	dropped := c.factories
	c.factories = make(map[string]*RemoteFactory)
	c.m.Unlock()
	for _, f := range dropped {
		f.invalidate()
	}
}

// Factories returns the number of locally held handles.
func (c *Client) Factories() int {
	c.m.Lock()
	defer c.m.Unlock()
	return len(c.factories)
}

func (c *Client) register(addr string, port int, a *netdsp.Artifact) *RemoteFactory {
	f := &RemoteFactory{
		uid:      netdsp.NewUID(),
		client:   c,
		addr:     addr,
		port:     port,
		artifact: a,
		valid:    true,
	}
	c.m.Lock()
	c.factories[f.uid.ID()] = f
	c.m.Unlock()
	return f
}

func controlURL(addr string, port int, path string) string {
	return fmt.Sprintf("http://%s:%d%s", addr, port, path)
}
