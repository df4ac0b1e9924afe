package remote

import (
	"context"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	c "github.com/pvik/fleetd/internal/config"
	"github.com/pvik/fleetd/pkg/db"
	log "github.com/sirupsen/logrus"
)

// Client is the part of *ssh.Client the pool and executors rely on
type Client interface {
	NewSession() (*ssh.Session, error)
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// DialFunc opens one connection to a host
type DialFunc func(ctx context.Context, h *db.Host) (Client, error)

type pooled struct {
	client  Client
	created time.Time
}

// ConnectionManager owns the per-host connection pool and circuit
// breakers. One is created at process start and shared by every
// SSHExecutor.
type ConnectionManager struct {
	TTL       time.Duration
	Max       int
	Attempts  int
	Backoff   time.Duration
	Threshold int
	Cooldown  time.Duration

	dial  DialFunc
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	conns    map[string]*pooled
	breakers map[string]*Breaker
	// serializes connection setup per host
	slots map[string]*sync.Mutex
}

// ManagerOption customizes a ConnectionManager
type ManagerOption func(*ConnectionManager)

// WithDial replaces the ssh dialer
func WithDial(d DialFunc) ManagerOption {
	return func(m *ConnectionManager) { m.dial = d }
}

// WithClock replaces time.Now and the backoff sleep
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) ManagerOption {
	return func(m *ConnectionManager) {
		if now != nil {
			m.now = now
		}
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

func NewConnectionManager(cfg c.SSHConfig, opts ...ManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		TTL:       cfg.PoolTTL.Duration,
		Max:       cfg.PoolMax,
		Attempts:  cfg.ConnectAttempts,
		Backoff:   cfg.ConnectBackoff.Duration,
		Threshold: cfg.BreakerThreshold,
		Cooldown:  cfg.BreakerCooldown.Duration,
		now:       time.Now,
		sleep:     sleepCtx,
		conns:     make(map[string]*pooled),
		breakers:  make(map[string]*Breaker),
		slots:     make(map[string]*sync.Mutex),
	}
	if m.Attempts < 1 {
		m.Attempts = 1
	}
	m.dial = sshDialer(cfg)
	for _, o := range opts {
		o(m)
	}
	return m
}

func hostKey(h *db.Host) string {
	if h.ID != "" {
		return h.ID
	}
	return h.SSHUser + "@" + h.Addr()
}

func (m *ConnectionManager) breaker(key string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.breakers[key]
	if !ok {
		b = NewBreaker(m.Threshold, m.Cooldown, m.now)
		m.breakers[key] = b
	}
	return b
}

func (m *ConnectionManager) slot(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[key]
	if !ok {
		s = &sync.Mutex{}
		m.slots[key] = s
	}
	return s
}

// Breaker returns the breaker of h
func (m *ConnectionManager) Breaker(h *db.Host) *Breaker {
	return m.breaker(hostKey(h))
}

// Client returns a live pooled connection to h, opening one when there is
// none or the pooled one is too old or dead
func (m *ConnectionManager) Client(ctx context.Context, h *db.Host) (Client, error) {
	key := hostKey(h)
	lock := m.slot(key)
	lock.Lock()
	defer lock.Unlock()

	if cl := m.reuse(key); cl != nil {
		return cl, nil
	}

	br := m.breaker(key)
	if err := br.Allow(); err != nil {
		log.WithFields(log.Fields{
			"host": h.Hostname,
		}).Warn("circuit open, connection not attempted")
		return nil, &TransportError{Op: "connect", Host: h.Hostname, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= m.Attempts; attempt++ {
		cl, err := m.dial(ctx, h)
		if err == nil {
			br.Success()
			m.store(key, cl)
			log.WithFields(log.Fields{
				"host":    h.Hostname,
				"attempt": attempt,
			}).Debug("connected")
			return cl, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			br.Release()
			return nil, &TransportError{Op: "connect", Host: h.Hostname, Err: ctx.Err()}
		}

		log.WithFields(log.Fields{
			"host":    h.Hostname,
			"attempt": attempt,
			"error":   err,
		}).Warn("connection attempt failed")

		if attempt < m.Attempts {
			wait := m.Backoff * time.Duration(1<<(attempt-1))
			if err := m.sleep(ctx, wait); err != nil {
				br.Release()
				return nil, &TransportError{Op: "connect", Host: h.Hostname, Err: err}
			}
		}
	}

	br.Failure()
	log.WithFields(log.Fields{
		"host":    h.Hostname,
		"state":   br.State(),
		"attempt": m.Attempts,
		"error":   lastErr,
	}).Error("unable to connect to host")
	return nil, &TransportError{
		Op:   "connect",
		Host: h.Hostname,
		Err:  fmt.Errorf("after %d attempts: %w", m.Attempts, lastErr),
	}
}

func (m *ConnectionManager) reuse(key string) Client {
	m.mu.Lock()
	p, ok := m.conns[key]
	m.mu.Unlock()
	if !ok {
		return nil
	}

	fresh := m.now().Sub(p.created) < m.TTL
	if fresh && alive(p.client) {
		return p.client
	}

	m.mu.Lock()
	if m.conns[key] == p {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	p.client.Close()
	return nil
}

func alive(cl Client) bool {
	_, _, err := cl.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (m *ConnectionManager) store(key string, cl Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.conns[key]; ok {
		old.client.Close()
	}
	m.conns[key] = &pooled{client: cl, created: m.now()}

	for m.Max > 0 && len(m.conns) > m.Max {
		var oldestKey string
		var oldest time.Time
		for k, p := range m.conns {
			if k == key {
				continue
			}
			if oldestKey == "" || p.created.Before(oldest) {
				oldestKey, oldest = k, p.created
			}
		}
		if oldestKey == "" {
			return
		}
		m.conns[oldestKey].client.Close()
		delete(m.conns, oldestKey)
	}
}

// Discard drops cl from the pool if it is still the pooled connection of h
func (m *ConnectionManager) Discard(h *db.Host, cl Client) {
	key := hostKey(h)
	m.mu.Lock()
	p, ok := m.conns[key]
	if ok && p.client == cl {
		delete(m.conns, key)
	}
	m.mu.Unlock()
	cl.Close()
}

// Close closes every pooled connection
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, p := range m.conns {
		p.client.Close()
		delete(m.conns, k)
	}
}

// HostCircuit is one entry of a Snapshot
type HostCircuit struct {
	Host    string      `json:"host"`
	Pooled  bool        `json:"pooled"`
	Breaker BreakerInfo `json:"breaker"`
}

// Snapshot lists breaker state and pool presence per known host
func (m *ConnectionManager) Snapshot() []HostCircuit {
	m.mu.Lock()
	keys := make([]string, 0, len(m.breakers))
	for k := range m.breakers {
		keys = append(keys, k)
	}
	breakers := make(map[string]*Breaker, len(m.breakers))
	pooledKeys := make(map[string]bool, len(m.conns))
	for k, b := range m.breakers {
		breakers[k] = b
	}
	for k := range m.conns {
		pooledKeys[k] = true
	}
	m.mu.Unlock()

	sort.Strings(keys)
	out := make([]HostCircuit, 0, len(keys))
	for _, k := range keys {
		out = append(out, HostCircuit{
			Host:    k,
			Pooled:  pooledKeys[k],
			Breaker: breakers[k].Info(),
		})
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var insecureWarnOnce sync.Once

func sshDialer(cfg c.SSHConfig) DialFunc {
	return func(ctx context.Context, h *db.Host) (Client, error) {
		conf, closeAgent, err := clientConfig(cfg, h)
		if err != nil {
			return nil, err
		}
		// agent signers are only needed during the handshake
		defer closeAgent()

		addr := h.Addr()
		d := net.Dialer{Timeout: cfg.ConnectTimeout.Duration}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		} else if cfg.ConnectTimeout.Duration > 0 {
			conn.SetDeadline(time.Now().Add(cfg.ConnectTimeout.Duration))
		}

		sc, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
		if err != nil {
			conn.Close()
			return nil, err
		}
		// handshake done, the pooled connection must outlive the dial deadline
		conn.SetDeadline(time.Time{})
		return ssh.NewClient(sc, chans, reqs), nil
	}
}

// clientConfig builds the ssh config for h. The returned func closes the
// agent connection, if one was opened.
func clientConfig(cfg c.SSHConfig, h *db.Host) (*ssh.ClientConfig, func(), error) {
	user := h.SSHUser
	if user == "" {
		user = "root"
	}

	var auth []ssh.AuthMethod
	keyPath := h.SSHKeyPath
	if keyPath == "" {
		keyPath = cfg.DefaultKeyPath
	}
	if keyPath != "" {
		if pem, err := os.ReadFile(keyPath); err == nil {
			signer, err := ssh.ParsePrivateKey(pem)
			if err != nil {
				return nil, nil, fmt.Errorf("parse key %s: %w", keyPath, err)
			}
			auth = append(auth, ssh.PublicKeys(signer))
		} else {
			log.WithFields(log.Fields{
				"host":  h.Hostname,
				"key":   keyPath,
				"error": err,
			}).Debug("ssh key not readable")
		}
	}
	closeAgent := func() {}
	if sock := os.Getenv("SSH_AUTH_SOCK"); cfg.UseAgent && sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			auth = append(auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
			closeAgent = func() { conn.Close() }
		}
	}
	if len(auth) == 0 {
		closeAgent()
		return nil, nil, fmt.Errorf("no ssh credentials for host %s", h.Hostname)
	}

	var hostKeyCallback ssh.HostKeyCallback
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			closeAgent()
			return nil, nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		insecureWarnOnce.Do(func() {
			log.Warn("ssh known-hosts-file not configured, host keys are not verified")
		})
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         cfg.ConnectTimeout.Duration,
	}, closeAgent, nil
}
