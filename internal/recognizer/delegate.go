// Package recognizer wraps an OCR engine behind a lazily initialised,
// explicitly released delegate.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrClosed is returned once the delegate has released its engine.
var ErrClosed = errors.New("recognizer: closed")

// ErrEmptyImage is returned when no image bytes are supplied.
var ErrEmptyImage = errors.New("recognizer: empty image")

// Engine is one handle on an OCR engine bound to a model directory.
type Engine interface {
	SetImage(image []byte) error
	Text() (string, error)
	Close() error
}

// EngineFactory binds a new engine to dataDir for the given language.
type EngineFactory func(dataDir, language string) (Engine, error)

// Delegate owns a single engine handle for the lifetime of its screen.
// The handle is created on the first Recognize call and released by Close.
type Delegate struct {
	dataDir  string
	language string
	factory  EngineFactory
	logger   *zap.Logger

	mu     sync.Mutex
	engine Engine
	closed bool
}

// NewDelegate prepares a delegate; no engine is created until first use.
func NewDelegate(dataDir, language string, factory EngineFactory, logger *zap.Logger) *Delegate {
	return &Delegate{
		dataDir:  dataDir,
		language: language,
		factory:  factory,
		logger:   logger.Named("recognizer"),
	}
}

// Recognize returns the text the engine finds in image. Calls are serialised
// on the engine; if ctx ends first the caller stops waiting while the engine
// call finishes in the background.
func (d *Delegate) Recognize(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrEmptyImage
	}

	type result struct {
		text string
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		text, err := d.recognize(image)
		resultCh <- result{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-resultCh:
		return res.text, res.err
	}
}

func (d *Delegate) recognize(image []byte) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return "", ErrClosed
	}
	if d.engine == nil {
		engine, err := d.factory(d.dataDir, d.language)
		if err != nil {
			return "", fmt.Errorf("init engine: %w", err)
		}
		d.engine = engine
		d.logger.Debug("engine initialised", zap.String("data_dir", d.dataDir), zap.String("language", d.language))
	}

	if err := d.engine.SetImage(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := d.engine.Text()
	if err != nil {
		return "", fmt.Errorf("extract text: %w", err)
	}
	return text, nil
}

// Close releases the engine. It waits for an in-flight recognition to end
// and is safe to call more than once.
func (d *Delegate) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	if d.engine == nil {
		return nil
	}
	err := d.engine.Close()
	d.engine = nil
	return err
}
