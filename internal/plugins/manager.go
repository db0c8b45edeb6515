// Package plugins bridges external MCP tool servers into the activity
// registry. Each pack is a subprocess speaking newline-delimited JSON-RPC
// over stdio; its discovered tools register under the pack's namespace
// (e.g. "payments.capture") and run like any builtin activity. The
// registry is the only seam: the engine never learns a node type came
// from a subprocess.
package plugins

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/rendis/relay/internal/activity"
	"github.com/rendis/relay/pkg/schema"
)

const (
	statusStarting  = "starting"
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusStopped   = "stopped"

	// unhealthyAfter is how many consecutive failed pings flip a pack to
	// unhealthy. A later successful ping flips it back.
	unhealthyAfter = 3
)

// PackConfig describes how to launch and identify an activity pack.
type PackConfig struct {
	ID      string   `json:"id" mapstructure:"id"`
	Name    string   `json:"name" mapstructure:"name"`
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args" mapstructure:"args"`
	Env     []string `json:"env" mapstructure:"env"` // KEY=VALUE, appended to the parent environment
}

// Manager owns the lifecycle of activity-pack subprocesses.
type Manager struct {
	registry *activity.Registry
	logger   *slog.Logger
	pingEach time.Duration

	mu    sync.RWMutex
	packs map[string]*pack
}

type pack struct {
	config PackConfig
	cmd    *exec.Cmd
	conn   *conn
	cancel context.CancelFunc

	mu       sync.Mutex
	status   string
	errCount int
	lastErr  string
	tools    []string
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithPingInterval overrides how often live packs are pinged.
func WithPingInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pingEach = d
		}
	}
}

// NewManager returns a manager registering pack tools into reg.
func NewManager(reg *activity.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: reg,
		logger:   slog.Default(),
		pingEach: 30 * time.Second,
		packs:    make(map[string]*pack),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load starts a pack subprocess, performs the MCP handshake, discovers its
// tools and registers them under the pack's ID namespace.
func (m *Manager) Load(ctx context.Context, cfg PackConfig) error {
	if cfg.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "pack id is required")
	}
	if cfg.Command == "" {
		return schema.NewError(schema.ErrCodeValidation, "pack command is required")
	}

	m.mu.Lock()
	if _, exists := m.packs[cfg.ID]; exists {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "pack %q already loaded", cfg.ID)
	}
	m.mu.Unlock()

	packCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(packCtx, cfg.Command, cfg.Args...)
	if len(cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start pack %q: %w", cfg.ID, err)
	}

	p := &pack{
		config: cfg,
		cmd:    cmd,
		conn:   newConn(stdin, stdout),
		cancel: cancel,
		status: statusStarting,
	}

	if err := m.handshake(packCtx, p); err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return fmt.Errorf("handshake with pack %q: %w", cfg.ID, err)
	}

	tools, err := m.discoverTools(packCtx, p)
	if err != nil {
		cancel()
		_ = cmd.Process.Kill()
		return fmt.Errorf("discover tools of pack %q: %w", cfg.ID, err)
	}
	if len(tools) > 0 {
		acts := make([]activity.Activity, 0, len(tools))
		for _, t := range tools {
			acts = append(acts, t)
			p.tools = append(p.tools, t.name)
		}
		if _, err := m.registry.RegisterProvider(cfg.ID, acts); err != nil {
			cancel()
			_ = cmd.Process.Kill()
			return fmt.Errorf("register tools of pack %q: %w", cfg.ID, err)
		}
	}

	p.setStatus(statusHealthy)

	m.mu.Lock()
	m.packs[cfg.ID] = p
	m.mu.Unlock()

	go m.pingLoop(packCtx, p)

	m.logger.Info("activity pack loaded",
		slog.String("pack_id", cfg.ID),
		slog.String("command", cfg.Command),
		slog.Int("tools", len(tools)))
	return nil
}

// handshake runs the MCP initialize exchange.
func (m *Manager) handshake(ctx context.Context, p *pack) error {
	_, err := p.conn.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "relay",
			"version": "1.0.0",
		},
	})
	if err != nil {
		return err
	}
	return p.conn.notify("notifications/initialized", map[string]any{})
}

// discoverTools lists the pack's tools and wraps each as an activity.
func (m *Manager) discoverTools(ctx context.Context, p *pack) ([]*toolActivity, error) {
	raw, err := p.conn.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, err
	}

	var listed struct {
		Tools []struct {
			Name        string          `json:"name"`
			Description string          `json:"description"`
			InputSchema json.RawMessage `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &listed); err != nil {
		return nil, fmt.Errorf("decode tools/list result: %w", err)
	}

	tools := make([]*toolActivity, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		if t.Name == "" {
			continue
		}
		tools = append(tools, &toolActivity{
			pack:        p,
			name:        t.Name,
			description: t.Description,
			inputSchema: t.InputSchema,
		})
	}
	return tools, nil
}

// pingLoop keeps a liveness verdict on the pack. Packs never restart on
// their own: a dead pack's tool calls fail as retryable errors, which the
// engine's retry policy already absorbs, and the status here tells the
// operator which pack to fix.
func (m *Manager) pingLoop(ctx context.Context, p *pack) {
	ticker := time.NewTicker(m.pingEach)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, err := p.conn.call(pingCtx, "ping", map[string]any{})
			cancel()
			if flipped := p.recordPing(err); flipped {
				if err != nil {
					m.logger.Warn("activity pack unhealthy",
						slog.String("pack_id", p.config.ID),
						slog.String("error", p.lastError()))
				} else {
					m.logger.Info("activity pack recovered",
						slog.String("pack_id", p.config.ID))
				}
			}
		}
	}
}

// Unload stops one pack. Its registered tool names stay in the registry
// (there is no unregister); calls to them fail until the pack is loaded
// again under a fresh manager.
func (m *Manager) Unload(id string) error {
	m.mu.Lock()
	p, ok := m.packs[id]
	if !ok {
		m.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "pack %q not found", id)
	}
	delete(m.packs, id)
	m.mu.Unlock()

	p.cancel()
	p.conn.close()

	if p.cmd.Process != nil {
		done := make(chan error, 1)
		go func() { done <- p.cmd.Wait() }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = p.cmd.Process.Kill()
			<-done
		}
	}
	p.setStatus(statusStopped)

	m.logger.Info("activity pack stopped", slog.String("pack_id", id))
	return nil
}

// Shutdown unloads every pack, returning the last error seen.
func (m *Manager) Shutdown() error {
	m.mu.RLock()
	ids := make([]string, 0, len(m.packs))
	for id := range m.packs {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	var lastErr error
	for _, id := range ids {
		if err := m.Unload(id); err != nil {
			lastErr = err
			m.logger.Error("pack shutdown failed",
				slog.String("pack_id", id),
				slog.String("error", err.Error()))
		}
	}
	return lastErr
}

// Status reports each loaded pack's health verdict.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string, len(m.packs))
	for id, p := range m.packs {
		out[id] = p.currentStatus()
	}
	return out
}

// Tools lists the tool names a pack registered, namespaced.
func (m *Manager) Tools(id string) []string {
	m.mu.RLock()
	p, ok := m.packs[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tools))
	for _, t := range p.tools {
		names = append(names, p.config.ID+"."+t)
	}
	return names
}

func (p *pack) setStatus(s string) {
	p.mu.Lock()
	p.status = s
	p.mu.Unlock()
}

func (p *pack) currentStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *pack) lastError() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// recordPing tracks consecutive ping failures and reports whether the
// health verdict flipped.
func (p *pack) recordPing(err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		recovered := p.status == statusUnhealthy
		p.errCount = 0
		p.lastErr = ""
		p.status = statusHealthy
		return recovered
	}

	p.errCount++
	p.lastErr = err.Error()
	if p.errCount >= unhealthyAfter && p.status != statusUnhealthy {
		p.status = statusUnhealthy
		return true
	}
	return false
}

// --- Wire protocol ---

// conn is one pack's stdio link: newline-delimited JSON-RPC, one request
// in flight at a time. The mutex both serializes writes and pairs each
// response with its request, so no id bookkeeping is needed.
type conn struct {
	mu      sync.Mutex
	stdin   io.WriteCloser
	scanner *bufio.Scanner
	nextID  atomic.Int64
}

func newConn(stdin io.WriteCloser, stdout io.Reader) *conn {
	sc := bufio.NewScanner(stdout)
	// Tool results can be large; the default 64K line cap is not enough.
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	return &conn{stdin: stdin, scanner: sc}
}

// call sends one request and waits for its response line.
func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      c.nextID.Add(1),
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.stdin.Write(data); err != nil {
		return nil, fmt.Errorf("write %s request: %w", method, err)
	}

	type line struct {
		raw []byte
		err error
	}
	got := make(chan line, 1)
	go func() {
		if c.scanner.Scan() {
			raw := make([]byte, len(c.scanner.Bytes()))
			copy(raw, c.scanner.Bytes())
			got <- line{raw: raw}
			return
		}
		err := c.scanner.Err()
		if err == nil {
			err = io.EOF
		}
		got <- line{err: err}
	}()

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case l := <-got:
		if l.err != nil {
			return nil, fmt.Errorf("read %s response: %w", method, l.err)
		}
		if err := json.Unmarshal(l.raw, &resp); err != nil {
			return nil, fmt.Errorf("decode %s response: %w", method, err)
		}
	}
	if len(resp.Error) > 0 {
		return nil, fmt.Errorf("pack error on %s: %s", method, resp.Error)
	}
	return resp.Result, nil
}

// notify sends a request without an id and does not wait for a response.
func (c *conn) notify(method string, params any) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", method, err)
	}
	data = append(data, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("write %s notification: %w", method, err)
	}
	return nil
}

func (c *conn) close() {
	_ = c.stdin.Close()
}
