package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/calaider/calaider/internal/applog"
)

// ErrUnavailable is returned when no local model engine is reachable on this
// host. It is fatal for extraction until the environment changes; the manager
// does not retry on its own.
var ErrUnavailable = errors.New("on-device model is unavailable on this host")

// Monitor receives download/compile progress during session creation.
// All callbacks are optional; a nil Monitor is valid everywhere.
type Monitor struct {
	OnStart    func()
	OnProgress func(float64)
	OnDone     func()
}

func (m *Monitor) start() {
	if m != nil && m.OnStart != nil {
		m.OnStart()
	}
}

func (m *Monitor) progress(p float64) {
	if m != nil && m.OnProgress != nil {
		m.OnProgress(p)
	}
}

func (m *Monitor) done() {
	if m != nil && m.OnDone != nil {
		m.OnDone()
	}
}

// Warm-up states.
const (
	WarmIdle    = ""
	WarmWarming = "warming"
	WarmReady   = "ready"
	WarmFailed  = "failed"
)

// Manager owns the single long-lived model session for the process.
// Concurrent callers before creation completes share one in-flight creation;
// a failed creation stays failed until Reset.
type Manager struct {
	host   string
	model  string
	client *http.Client

	mu      sync.Mutex
	session *Session
	pending *creation
	failure error
	warm    string
}

type creation struct {
	done chan struct{}
	sess *Session
	err  error
}

// NewManager creates a session manager for an Ollama host, e.g.
// "http://127.0.0.1:11434". The model is pulled on first use if absent.
func NewManager(host, model string) *Manager {
	return &Manager{
		host:   host,
		model:  model,
		client: &http.Client{}, // no timeout: model pulls and inference can run for minutes
	}
}

// GetSession returns the process-wide session, creating it on first call.
// The monitor, if given, observes model download progress during creation.
func (m *Manager) GetSession(ctx context.Context, mon *Monitor) (*Session, error) {
	m.mu.Lock()
	if m.session != nil {
		m.mu.Unlock()
		return m.session, nil
	}
	if m.failure != nil {
		err := m.failure
		m.mu.Unlock()
		return nil, err
	}
	if m.pending != nil {
		c := m.pending
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.sess, c.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c := &creation{done: make(chan struct{})}
	m.pending = c
	m.mu.Unlock()

	applog.Info("model.create", "host", m.host, "model", m.model)
	sess, err := m.create(ctx, mon)

	m.mu.Lock()
	m.pending = nil
	switch {
	case err == nil:
		m.session = sess
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		// The caller gave up, which says nothing about the engine; the next
		// caller should attempt creation again.
		applog.Error("model.create", err)
	default:
		m.failure = err
		applog.Error("model.create", err)
	}
	m.mu.Unlock()

	c.sess, c.err = sess, err
	close(c.done)
	return sess, err
}

// Prewarm triggers session creation ahead of first real use so model
// download/compile latency is hidden. Idempotent: once warm it is a no-op,
// and a warm-up already in progress is joined rather than duplicated.
func (m *Manager) Prewarm(ctx context.Context, mon *Monitor) error {
	m.mu.Lock()
	if m.warm == WarmReady {
		m.mu.Unlock()
		return nil
	}
	m.warm = WarmWarming
	m.mu.Unlock()

	_, err := m.GetSession(ctx, mon)

	m.mu.Lock()
	if err != nil {
		m.warm = WarmFailed
	} else {
		m.warm = WarmReady
	}
	m.mu.Unlock()
	return err
}

// WarmupStatus reports the current warm-up state.
func (m *Manager) WarmupStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.warm
}

// Reset discards the session and any recorded failure so the next GetSession
// attempts creation again. Rarely needed.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	m.pending = nil
	m.failure = nil
	m.warm = WarmIdle
}

// Ping checks that the model engine is reachable. Session creation uses it
// as the availability probe.
func (m *Manager) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.host+"/api/version", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (m *Manager) create(ctx context.Context, mon *Monitor) (*Session, error) {
	// Availability check: an unreachable engine means the capability is
	// absent on this host, not a transient error.
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := m.Ping(pingCtx); err != nil {
		// A probe aborted by the caller is not evidence of absence.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	present, err := m.modelPresent(ctx)
	if err != nil {
		return nil, fmt.Errorf("check model %q: %w", m.model, err)
	}
	if !present {
		if err := m.pull(ctx, mon); err != nil {
			return nil, fmt.Errorf("pull model %q: %w", m.model, err)
		}
	}

	return &Session{host: m.host, model: m.model, client: m.client}, nil
}

func (m *Manager) modelPresent(ctx context.Context) (bool, error) {
	body, _ := json.Marshal(map[string]string{"model": m.model})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+"/api/show", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("model show returned HTTP %d", resp.StatusCode)
	}
}

type pullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
}

// pull downloads the model, forwarding streamed byte counts to the monitor as
// a 0..1 fraction. OnStart fires once on the first progress line, OnDone once
// when the pull reports success.
func (m *Manager) pull(ctx context.Context, mon *Monitor) error {
	body, _ := json.Marshal(map[string]any{"model": m.model, "stream": true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.host+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull returned HTTP %d", resp.StatusCode)
	}

	started := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var p pullProgress
		if err := json.Unmarshal(line, &p); err != nil {
			continue
		}
		if !started {
			started = true
			mon.start()
		}
		if p.Total > 0 {
			mon.progress(float64(p.Completed) / float64(p.Total))
		}
		if p.Status == "success" {
			mon.progress(1)
			mon.done()
		}
	}
	return scanner.Err()
}
