package leaselock

import (
	"encoding/json"
	"errors"
	"os"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	// ErrBusy is returned when another holder owns a live lease.
	ErrBusy = errors.New("lease lock busy")
)

// Client acquires file-based leases. A lease is a JSON marker file with a
// holder token and an expiry; a crashed holder's lease becomes stale once
// the TTL passes and can be taken over.
type Client struct {
	path string
}

// Options tunes lease acquisition.
type Options struct {
	TTL time.Duration

	// Force takes over a live lease held by someone else.
	Force bool

	TokenPrefix string
}

// Lease is one held lock. Release it when the protected work completes.
type Lease struct {
	Path  string
	Token string
}

type marker struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
	PID       int    `json:"pid"`
}

// New creates a client for the lock file at path.
func New(path string) *Client {
	return &Client{path: path}
}

// Acquire takes the lease or returns ErrBusy while a live lease exists.
func (c *Client) Acquire(opts Options) (*Lease, error) {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}

	tok, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	token := opts.TokenPrefix + tok

	if !opts.Force {
		if current, err := c.read(); err == nil {
			expires, parseErr := time.Parse(time.RFC3339, current.ExpiresAt)
			if parseErr == nil && time.Now().UTC().Before(expires) {
				return nil, ErrBusy
			}
		}
	}

	m := marker{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(opts.TTL).Format(time.RFC3339),
		PID:       os.Getpid(),
	}
	if err := c.write(m); err != nil {
		return nil, err
	}

	return &Lease{Path: c.path, Token: token}, nil
}

// IsHeld reports whether a live lease currently exists on the lock file.
func (c *Client) IsHeld() bool {
	current, err := c.read()
	if err != nil {
		return false
	}
	expires, err := time.Parse(time.RFC3339, current.ExpiresAt)
	if err != nil {
		return false
	}
	return time.Now().UTC().Before(expires)
}

// Release removes the lock file when the lease still belongs to the
// holder. A lease lost to a forced takeover is a silent no-op.
func (l *Lease) Release() error {
	client := &Client{path: l.Path}
	current, err := client.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if current.Token != l.Token {
		return nil
	}
	return os.Remove(l.Path)
}

func (c *Client) read() (*marker, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, err
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Client) write(m marker) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}
