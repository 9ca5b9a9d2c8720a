// Package provision copies the bundled trained-model file onto writable
// storage the first time it is needed.
package provision

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/example/textscan/internal/logging"
)

// DataDirName is the subdirectory of the writable root that holds models.
const DataDirName = "tessdata"

const copyBufferSize = 32 * 1024

// Report describes the outcome of one Ensure call.
type Report struct {
	Path   string
	Copied bool
	Bytes  int64
}

// Paths locates the provisioned model under a writable root.
type Paths struct {
	Root      string
	ModelFile string
}

// DataDir is the directory handed to the OCR engine.
func (p Paths) DataDir() string {
	return filepath.Join(p.Root, DataDirName)
}

// ModelPath is the destination of the copied asset.
func (p Paths) ModelPath() string {
	return filepath.Join(p.DataDir(), p.ModelFile)
}

// tempFile is the part of *os.File the staged copy writes through.
type tempFile interface {
	io.Writer
	Sync() error
	Close() error
	Name() string
}

func createTemp(dir, pattern string) (tempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Provisioner copies the model asset from a read-only store exactly once.
type Provisioner struct {
	assets fs.FS
	paths  Paths
	logger *zap.Logger
	group  singleflight.Group

	// file system hooks, swapped in tests
	stat       func(string) (os.FileInfo, error)
	mkdirAll   func(string, os.FileMode) error
	createTemp func(dir, pattern string) (tempFile, error)
	rename     func(oldpath, newpath string) error
}

// NewProvisioner builds a provisioner reading assets from the given store.
func NewProvisioner(assets fs.FS, paths Paths, logger *zap.Logger) *Provisioner {
	return &Provisioner{
		assets:     assets,
		paths:      paths,
		logger:     logger.Named("provisioner"),
		stat:       os.Stat,
		mkdirAll:   os.MkdirAll,
		createTemp: createTemp,
		rename:     os.Rename,
	}
}

// Paths returns the destination layout.
func (p *Provisioner) Paths() Paths {
	return p.paths
}

// Ensure makes sure the model file is present at its destination. If it is
// already there nothing on disk is touched. Concurrent callers share a single
// copy; each returns early if its own ctx is done.
func (p *Provisioner) Ensure(ctx context.Context) (Report, error) {
	dest := p.paths.ModelPath()
	ch := p.group.DoChan(dest, func() (interface{}, error) {
		return p.ensure(dest)
	})
	select {
	case <-ctx.Done():
		return Report{Path: dest}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Report{Path: dest}, res.Err
		}
		return res.Val.(Report), nil
	}
}

func (p *Provisioner) ensure(dest string) (Report, error) {
	report := Report{Path: dest}
	if _, err := p.stat(dest); err == nil {
		p.logger.Debug("model already provisioned", zap.String("path", dest))
		return report, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return report, logging.NewOperationError("provision.stat", "", err)
	}

	src, err := p.assets.Open(p.paths.ModelFile)
	if err != nil {
		return report, logging.NewOperationError("provision.open_asset", "", err)
	}
	defer src.Close()

	dir := p.paths.DataDir()
	if err := p.mkdirAll(dir, 0o755); err != nil {
		return report, logging.NewOperationError("provision.create_dir", "", err)
	}

	n, err := p.copyInto(dir, dest, src)
	if err != nil {
		return report, err
	}
	report.Copied = true
	report.Bytes = n
	p.logger.Info("model provisioned", zap.String("path", dest), zap.Int64("bytes", n))
	return report, nil
}

// copyInto writes src to a temporary file next to dest and renames it into
// place, so dest only ever exists with its full contents.
func (p *Provisioner) copyInto(dir, dest string, src io.Reader) (n int64, err error) {
	tmp, err := p.createTemp(dir, "."+p.paths.ModelFile+".*")
	if err != nil {
		return 0, logging.NewOperationError("provision.write", "", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	buf := make([]byte, copyBufferSize)
	n, err = io.CopyBuffer(tmp, src, buf)
	if err != nil {
		_ = tmp.Close()
		return n, logging.NewOperationError("provision.write", "", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return n, logging.NewOperationError("provision.write", "", err)
	}
	if err = tmp.Close(); err != nil {
		return n, logging.NewOperationError("provision.close", "", err)
	}
	if err = p.rename(tmpName, dest); err != nil {
		return n, logging.NewOperationError("provision.rename", "", err)
	}
	return n, nil
}
