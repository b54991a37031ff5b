package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/opsagent/opsagent/internal/core"
)

// maxPooledClients bounds the connection pool; evicted clients are closed.
const maxPooledClients = 16

// conn is one pooled SSH connection. mu serializes commands on it: two
// commands against the same asset never run concurrently on one transport.
type conn struct {
	mu     sync.Mutex
	client *ssh.Client
}

// Executor runs commands and pushes files over SSH, reusing one pooled
// connection per asset name. Implements core.CommandRunner.
type Executor struct {
	// DefaultTimeout applies per command; package-manager commands get more.
	DefaultTimeout time.Duration

	mu   sync.Mutex
	pool *lru.Cache[string, *conn]
}

// New builds an executor with an LRU-bounded connection pool.
func New(defaultTimeout time.Duration) *Executor {
	if defaultTimeout <= 0 {
		defaultTimeout = 60 * time.Second
	}
	pool, _ := lru.NewWithEvict[string, *conn](maxPooledClients, func(name string, c *conn) {
		// A command may be in flight on the evicted connection; closing
		// must wait for its mutex rather than yank the transport mid-run.
		go closeEvicted(c)
	})
	return &Executor{DefaultTimeout: defaultTimeout, pool: pool}
}

// closeEvicted closes an evicted connection once the current holder (if any)
// releases it.
func closeEvicted(c *conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// Close drops all pooled connections.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pool.Purge()
}

// commandTimeout gives package-manager commands a longer budget; they
// regularly exceed the default on slow mirrors.
func commandTimeout(command string, def time.Duration) time.Duration {
	c := strings.ToLower(strings.TrimSpace(command))
	for _, pm := range []string{"apt-get", "apt ", "apt-", "dnf ", "yum ", "zypper "} {
		if strings.Contains(c, pm) {
			if def < 2*time.Minute {
				return 2 * time.Minute
			}
			return def
		}
	}
	return def
}

func authMethods(asset core.Asset) ([]ssh.AuthMethod, error) {
	if asset.Password != "" {
		return []ssh.AuthMethod{ssh.Password(asset.Password)}, nil
	}
	if asset.PrivateKeyPath != "" {
		path := asset.PrivateKeyPath
		if strings.HasPrefix(path, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				path = filepath.Join(home, path[2:])
			}
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(raw)
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	return nil, fmt.Errorf("asset %s has neither password nor private_key_path", asset.Name)
}

func dial(asset core.Asset) (*ssh.Client, error) {
	auth, err := authMethods(asset)
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User: asset.Username,
		Auth: auth,
		// Assets are operator-configured; trust-on-first-use is out of scope.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}
	client, err := ssh.Dial("tcp", asset.Addr(), cfg)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", asset.Display(), err)
	}
	return client, nil
}

// acquire returns the pooled connection for the asset, dialing if needed.
// The returned conn's mutex is NOT held; callers lock it around use.
func (e *Executor) acquire(asset core.Asset) (*conn, error) {
	e.mu.Lock()
	if c, ok := e.pool.Get(asset.Name); ok {
		e.mu.Unlock()
		return c, nil
	}
	c := &conn{}
	e.pool.Add(asset.Name, c)
	e.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		client, err := dial(asset)
		if err != nil {
			e.drop(asset.Name, c)
			return nil, err
		}
		c.client = client
	}
	return c, nil
}

// drop removes a broken connection from the pool so the next call redials.
func (e *Executor) drop(name string, c *conn) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.pool.Peek(name); ok && cur == c {
		e.pool.Remove(name)
	}
}

// Run executes a command on the asset and returns merged stdout/stderr.
// A non-zero exit is reported in the output text, not as an error; only
// transport-level failures return errors.
func (e *Executor) Run(ctx context.Context, asset core.Asset, command string) (string, error) {
	c, err := e.acquire(asset)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		// Evicted or closed between acquire and lock; redial.
		client, err := dial(asset)
		if err != nil {
			return "", err
		}
		c.client = client
	}

	timeout := commandTimeout(command, e.DefaultTimeout)
	log.Printf("[SSH] run asset=%s cmd=%q timeout=%s", asset.Name, command, timeout)

	sess, err := c.client.NewSession()
	if err != nil {
		// Stale connection: replace the transport in place. The conn stays
		// keyed in the pool, so the fresh client is owned by it and gets
		// closed on eviction like any other.
		c.client.Close()
		c.client = nil
		client, derr := dial(asset)
		if derr != nil {
			return "", derr
		}
		c.client = client
		sess, err = c.client.NewSession()
		if err != nil {
			return "", fmt.Errorf("open session on %s: %w", asset.Display(), err)
		}
	}
	defer sess.Close()

	var buf bytes.Buffer
	sess.Stdout = &buf
	sess.Stderr = &buf

	done := make(chan error, 1)
	if err := sess.Start(command); err != nil {
		return "", fmt.Errorf("start command on %s: %w", asset.Display(), err)
	}
	go func() { done <- sess.Wait() }()

	select {
	case <-ctx.Done():
		sess.Close()
		<-done
		return "", ctx.Err()
	case <-time.After(timeout):
		sess.Close()
		<-done
		return "", fmt.Errorf("command timed out after %s on %s", timeout, asset.Display())
	case err = <-done:
	}

	out := buf.String()
	if exitErr, ok := err.(*ssh.ExitError); ok {
		if strings.TrimSpace(out) == "" {
			out = fmt.Sprintf("[exit code %d]", exitErr.ExitStatus())
		} else {
			out += fmt.Sprintf("\n[exit code %d]", exitErr.ExitStatus())
		}
		err = nil
	}
	if err != nil {
		return "", fmt.Errorf("run on %s: %w", asset.Display(), err)
	}
	log.Printf("[SSH] done asset=%s cmd=%q result_len=%d", asset.Name, command, len(out))
	return out, nil
}

// Push writes data to remotePath on the asset over SFTP and returns a
// human-readable success message.
func (e *Executor) Push(ctx context.Context, asset core.Asset, data []byte, remotePath string) (string, error) {
	c, err := e.acquire(asset)
	if err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		client, err := dial(asset)
		if err != nil {
			return "", err
		}
		c.client = client
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return "", fmt.Errorf("open sftp on %s: %w", asset.Display(), err)
	}
	defer sc.Close()

	if dir := filepath.Dir(remotePath); dir != "." && dir != "/" {
		_ = sc.MkdirAll(dir)
	}
	f, err := sc.Create(remotePath)
	if err != nil {
		return "", fmt.Errorf("create %s on %s: %w", remotePath, asset.Display(), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s on %s: %w", remotePath, asset.Display(), err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s on %s: %w", remotePath, asset.Display(), err)
	}
	log.Printf("[SSH] push asset=%s path=%s size=%d", asset.Name, remotePath, len(data))
	return fmt.Sprintf("uploaded %s to %s", humanize.Bytes(uint64(len(data))), remotePath), nil
}
