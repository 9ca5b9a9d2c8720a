package acquire

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Capture target errors.
var (
	ErrInvalidTarget = errors.New("acquire: invalid capture target")
	ErrTooLarge      = errors.New("acquire: capture exceeds size limit")
)

var targetName = regexp.MustCompile(`^[0-9a-f-]{36}\.jpg$`)

// Target is a file the camera is asked to write its photo into.
type Target struct {
	Name string `json:"name"`
	Path string `json:"-"`
	URI  string `json:"uri"`
}

// CaptureStore hands out capture targets inside one directory. Only
// allocated targets can be written; a target is removed once it has been
// released or once it expires unused.
type CaptureStore struct {
	dir       string
	authority string
	maxBytes  int64
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	targets map[string]time.Time // name -> expiry
}

// NewCaptureStore creates dir if needed. A zero ttl keeps unused targets
// until they are released.
func NewCaptureStore(dir, authority string, maxBytes int64, ttl time.Duration) (*CaptureStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	return &CaptureStore{
		dir:       dir,
		authority: authority,
		maxBytes:  maxBytes,
		ttl:       ttl,
		now:       time.Now,
		targets:   make(map[string]time.Time),
	}, nil
}

// Dir is the provider root to register with a Resolver.
func (s *CaptureStore) Dir() string {
	return s.dir
}

// Allocate reserves a fresh target. Nothing is written until Write.
func (s *CaptureStore) Allocate() Target {
	s.Sweep()
	name := uuid.NewString() + ".jpg"

	s.mu.Lock()
	var expiry time.Time
	if s.ttl > 0 {
		expiry = s.now().Add(s.ttl)
	}
	s.targets[name] = expiry
	s.mu.Unlock()

	return Target{
		Name: name,
		Path: filepath.Join(s.dir, name),
		URI:  "content://" + s.authority + "/" + name,
	}
}

// Write stores the camera output for a previously allocated target name.
func (s *CaptureStore) Write(name string, r io.Reader) (int64, error) {
	if !targetName.MatchString(name) || !s.allocated(name) {
		return 0, ErrInvalidTarget
	}
	path := filepath.Join(s.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open target: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if err == nil && n > s.maxBytes {
		err = ErrTooLarge
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, err
	}
	return n, nil
}

// Release forgets the target behind uri and deletes its file. URIs of other
// providers are ignored, so it is safe to call for any delivery.
func (s *CaptureStore) Release(uri string) {
	name, ok := strings.CutPrefix(uri, "content://"+s.authority+"/")
	if !ok || !targetName.MatchString(name) {
		return
	}
	s.mu.Lock()
	delete(s.targets, name)
	s.mu.Unlock()
	_ = os.Remove(filepath.Join(s.dir, name))
}

// Sweep deletes targets that expired before being released and returns how
// many were removed.
func (s *CaptureStore) Sweep() int {
	now := s.now()
	var expired []string
	s.mu.Lock()
	for name, expiry := range s.targets {
		if !expiry.IsZero() && now.After(expiry) {
			expired = append(expired, name)
			delete(s.targets, name)
		}
	}
	s.mu.Unlock()

	for _, name := range expired {
		_ = os.Remove(filepath.Join(s.dir, name))
	}
	return len(expired)
}

// Pending is the number of targets allocated and not yet released.
func (s *CaptureStore) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.targets)
}

func (s *CaptureStore) allocated(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	expiry, ok := s.targets[name]
	return ok && (expiry.IsZero() || !s.now().After(expiry))
}
