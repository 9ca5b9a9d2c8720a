// Package acquire resolves the images the camera and picker hand back.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Errors returned when resolving a delivery.
var (
	ErrUnsupportedURI = errors.New("acquire: unsupported uri")
	ErrOutsideRoot    = errors.New("acquire: path escapes provider root")
	ErrNoImage        = errors.New("acquire: delivery carries no image")
)

// Delivery is what the camera or picker returns: either the image itself or
// a URI to where it was written.
type Delivery struct {
	Image []byte
	URI   string
}

// Resolver opens content:// and file:// URIs against a set of provider
// roots, keyed by authority.
type Resolver struct {
	roots map[string]string
}

// NewResolver registers provider roots. Roots are cleaned and made absolute.
func NewResolver(roots map[string]string) (*Resolver, error) {
	r := &Resolver{roots: make(map[string]string, len(roots))}
	for authority, dir := range roots {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", authority, err)
		}
		r.roots[authority] = abs
	}
	return r, nil
}

// Open returns a reader for uri. The caller closes it.
func (r *Resolver) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := r.Path(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", uri, err)
	}
	return f, nil
}

// Path maps uri to a file system path inside a provider root.
func (r *Resolver) Path(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedURI, err)
	}

	switch u.Scheme {
	case "content":
		root, ok := r.roots[u.Host]
		if !ok {
			return "", fmt.Errorf("%w: unknown authority %q", ErrUnsupportedURI, u.Host)
		}
		return within(root, filepath.Join(root, filepath.FromSlash(u.Path)))
	case "file":
		if u.Host != "" && u.Host != "localhost" {
			return "", fmt.Errorf("%w: remote file host %q", ErrUnsupportedURI, u.Host)
		}
		path := filepath.Clean(filepath.FromSlash(u.Path))
		for _, root := range r.roots {
			if p, err := within(root, path); err == nil {
				return p, nil
			}
		}
		return "", ErrOutsideRoot
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrUnsupportedURI, u.Scheme)
	}
}

// ContentURI builds the content URI of a file inside a provider root.
func (r *Resolver) ContentURI(authority, name string) (string, error) {
	if _, ok := r.roots[authority]; !ok {
		return "", fmt.Errorf("%w: unknown authority %q", ErrUnsupportedURI, authority)
	}
	u := url.URL{Scheme: "content", Host: authority, Path: "/" + filepath.ToSlash(name)}
	return u.String(), nil
}

func within(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideRoot
	}
	return path, nil
}
