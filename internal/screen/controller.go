// Package screen implements the scanning screen: provisioning of the model,
// image acquisition, recognition and result rendering for one session.
//
// Every piece of screen state is owned by a single event-loop goroutine.
// Public methods hand closures to that loop and background work reports back
// by posting closures to it, so no lock guards the state. Once a controller
// is closed its loop stops and late completions are dropped.
package screen

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/example/textscan/internal/acquire"
	"github.com/example/textscan/internal/bitmap"
	"github.com/example/textscan/internal/logging"
	"github.com/example/textscan/internal/provision"
	"github.com/example/textscan/internal/task"
)

// Errors returned by controller operations.
var (
	ErrNotReady    = errors.New("screen: model not provisioned yet")
	ErrBusy        = errors.New("screen: recognition already running")
	ErrClosed      = errors.New("screen: closed")
	ErrAcquisition = errors.New("screen: image acquisition failed")
)

// User-facing strings.
const (
	NoticeNoImage = "Load or capture image first"
	NoticeNoText  = "No text found"
	DialogTitle   = "Result"
	DialogDismiss = "back"
)

const (
	defaultPreviewSize    = 512
	defaultMaxImageBytes  = 10 << 20
	defaultMaxImagePixels = 40_000_000
)

// Provisioner makes the trained model available on writable storage.
type Provisioner interface {
	Ensure(ctx context.Context) (provision.Report, error)
}

// Recognizer extracts text from an encoded image and owns an engine handle.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
	Close() error
}

// Resolver opens the URIs returned by the camera and the picker.
type Resolver interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// CaptureTargets hands out files for the camera to write into. Release
// discards a target once its image has been read.
type CaptureTargets interface {
	Allocate() acquire.Target
	Release(uri string)
}

// Dependencies are the collaborators a controller is built from.
type Dependencies struct {
	Provisioner    Provisioner
	Recognizer     Recognizer
	Resolver       Resolver
	Captures       CaptureTargets
	Runner         *task.Runner
	Logger         *zap.Logger
	MaxImageBytes  int64
	MaxImagePixels int64
	PreviewSize    int
}

// Dialog is a dismissible modal showing recognised text.
type Dialog struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Dismiss string `json:"dismiss"`
}

// Outcome is what the screen renders for a result: a dialog or a notice.
type Outcome struct {
	Dialog *Dialog `json:"dialog,omitempty"`
	Notice string  `json:"notice,omitempty"`
}

// State is a snapshot of the screen.
type State struct {
	ID         string   `json:"id"`
	Ready      bool     `json:"ready"`
	Busy       bool     `json:"busy"`
	HasPreview bool     `json:"has_preview"`
	Notices    []string `json:"notices,omitempty"`
}

// Controller is one scanning screen.
type Controller struct {
	id     string
	owner  string
	deps   Dependencies
	logger *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	events    chan func()
	loopDone  chan struct{}
	closeOnce sync.Once
	closeErr  error

	// owned by the event loop
	ready        bool
	busy         int
	recognizing  bool
	provisioning *task.Task[State]
	preview      image.Image
	processed    bool
	result       string
	notices      []string
	targets      []string
	pending      map[*pendingOp]struct{}
}

type pendingOp struct {
	abort func()
}

// New starts a controller's event loop. Close must be called to stop it.
func New(id, owner string, deps Dependencies) *Controller {
	if deps.PreviewSize <= 0 {
		deps.PreviewSize = defaultPreviewSize
	}
	if deps.MaxImageBytes <= 0 {
		deps.MaxImageBytes = defaultMaxImageBytes
	}
	if deps.MaxImagePixels <= 0 {
		deps.MaxImagePixels = defaultMaxImagePixels
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:       id,
		owner:    owner,
		deps:     deps,
		logger:   logging.WithSession(deps.Logger.Named("screen"), id, owner),
		ctx:      ctx,
		cancel:   cancel,
		events:   make(chan func()),
		loopDone: make(chan struct{}),
		pending:  make(map[*pendingOp]struct{}),
	}
	go c.run()
	return c
}

// ID is the session identifier.
func (c *Controller) ID() string { return c.id }

// Owner is the subject that opened the session.
func (c *Controller) Owner() string { return c.owner }

// Show is called when the screen is displayed, first time or on resume. If
// the model is not provisioned yet a provisioning run is started (or the
// running one joined); the returned task resolves once its outcome has been
// applied to the screen.
func (c *Controller) Show(ctx context.Context) (*task.Task[State], error) {
	var t *task.Task[State]
	err := c.do(ctx, func() {
		if c.ready {
			t = task.Resolved(c.snapshot(false), nil)
			return
		}
		t = c.startProvisioning()
	})
	return t, err
}

// PrepareCapture reserves a file for the camera to write a photo into.
func (c *Controller) PrepareCapture(ctx context.Context) (acquire.Target, error) {
	var (
		target acquire.Target
		opErr  error
	)
	err := c.do(ctx, func() {
		if opErr = c.gate(); opErr != nil {
			return
		}
		target = c.deps.Captures.Allocate()
		c.targets = append(c.targets, target.URI)
	})
	if err != nil {
		return acquire.Target{}, err
	}
	return target, opErr
}

// Capture takes the camera's delivery: an in-memory image or the URI of the
// file it wrote. Recognition starts as soon as the image is decoded.
func (c *Controller) Capture(ctx context.Context, d acquire.Delivery) (*task.Task[Outcome], error) {
	return c.acquireImage(ctx, "capture", d)
}

// Load takes a URI chosen in the picker.
func (c *Controller) Load(ctx context.Context, uri string) (*task.Task[Outcome], error) {
	return c.acquireImage(ctx, "load", acquire.Delivery{URI: uri})
}

// Result renders the latest recognition.
func (c *Controller) Result(ctx context.Context) (Outcome, error) {
	var out Outcome
	err := c.do(ctx, func() { out = c.outcome() })
	return out, err
}

// State returns a snapshot and drains the transient notices.
func (c *Controller) State(ctx context.Context) (State, error) {
	var s State
	err := c.do(ctx, func() { s = c.snapshot(true) })
	return s, err
}

// Preview returns the thumbnail of the last acquired image, or nil.
func (c *Controller) Preview(ctx context.Context) (image.Image, error) {
	var img image.Image
	err := c.do(ctx, func() { img = c.preview })
	return img, err
}

// Close tears the screen down: background tasks are cancelled, the loop
// stops, operations still in flight resolve with ErrClosed and the
// recognizer's engine is released.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		<-c.loopDone
		for _, uri := range c.targets {
			c.deps.Captures.Release(uri)
		}
		if c.deps.Recognizer != nil {
			c.closeErr = c.deps.Recognizer.Close()
		}
		c.logger.Info("screen closed")
	})
	return c.closeErr
}

func (c *Controller) run() {
	defer close(c.loopDone)
	defer c.abortPending()
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.events:
			if c.ctx.Err() != nil {
				return
			}
			fn()
		}
	}
}

// do runs fn on the event loop and waits for it.
func (c *Controller) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case c.events <- func() { defer close(done); fn() }:
	case <-c.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.loopDone:
		select {
		case <-done:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn on the loop from a background goroutine. After Close it is
// dropped.
func (c *Controller) post(fn func()) {
	select {
	case c.events <- fn:
	case <-c.ctx.Done():
	}
}

// whenDone posts fn to the loop once done is closed.
func (c *Controller) whenDone(done <-chan struct{}, fn func()) {
	go func() {
		select {
		case <-done:
			c.post(fn)
		case <-c.ctx.Done():
		}
	}()
}

// track registers resolve so Close can fail it; the returned function
// resolves and unregisters. Loop only.
func track[T any](c *Controller, resolve func(T, error)) func(T, error) {
	op := &pendingOp{}
	op.abort = func() {
		var zero T
		resolve(zero, ErrClosed)
	}
	c.pending[op] = struct{}{}
	return func(v T, err error) {
		delete(c.pending, op)
		resolve(v, err)
	}
}

func (c *Controller) abortPending() {
	for op := range c.pending {
		op.abort()
	}
	c.pending = nil
}

// gate lets an acquisition through only when the model is provisioned;
// otherwise it (re)starts provisioning. Loop only.
func (c *Controller) gate() error {
	if !c.ready {
		c.startProvisioning()
		return ErrNotReady
	}
	if c.recognizing {
		return ErrBusy
	}
	return nil
}

func (c *Controller) startProvisioning() *task.Task[State] {
	if c.provisioning != nil {
		return c.provisioning
	}
	promise, resolve := task.NewPromise[State]()
	finish := track(c, resolve)
	c.provisioning = promise
	c.busy++

	c.logger.Info("provisioning model")
	bg := task.Submit(c.deps.Runner, c.ctx, c.deps.Provisioner.Ensure)
	c.whenDone(bg.Done(), func() {
		c.provisioning = nil
		c.busy--
		report, err := bg.Result()
		if err != nil {
			c.logger.Warn("provisioning failed", zap.Error(err))
			c.notices = append(c.notices, logging.Cause(err))
			finish(c.snapshot(false), err)
			return
		}
		c.ready = true
		c.logger.Info("model ready",
			zap.String("path", report.Path),
			zap.Bool("copied", report.Copied),
			zap.Int64("bytes", report.Bytes))
		finish(c.snapshot(false), nil)
	})
	return promise
}

type decoded struct {
	bmp     *bitmap.Bitmap
	preview image.Image
}

func (c *Controller) acquireImage(ctx context.Context, source string, d acquire.Delivery) (*task.Task[Outcome], error) {
	var (
		t     *task.Task[Outcome]
		opErr error
	)
	err := c.do(ctx, func() {
		if opErr = c.gate(); opErr != nil {
			return
		}
		if len(d.Image) == 0 && d.URI == "" {
			opErr = fmt.Errorf("%w: %w", ErrAcquisition, acquire.ErrNoImage)
			return
		}
		t = c.startRecognition(source, d)
	})
	if err != nil {
		return nil, err
	}
	return t, opErr
}

// startRecognition decodes the delivery, shows it as the pending image and
// then recognises it. Loop only.
func (c *Controller) startRecognition(source string, d acquire.Delivery) *task.Task[Outcome] {
	promise, resolve := task.NewPromise[Outcome]()
	finish := track(c, resolve)
	c.recognizing = true
	c.busy++
	done := func() {
		c.recognizing = false
		c.busy--
	}

	opLogger := c.logger.With(zap.String("source", source))
	decodeTask := task.Submit(c.deps.Runner, c.ctx, func(ctx context.Context) (decoded, error) {
		bmp, err := c.decode(ctx, d)
		if err != nil {
			return decoded{}, err
		}
		return decoded{bmp: bmp, preview: bmp.Thumbnail(c.deps.PreviewSize, c.deps.PreviewSize)}, nil
	})

	c.whenDone(decodeTask.Done(), func() {
		img, err := decodeTask.Result()
		if err != nil {
			done()
			opLogger.Warn("image acquisition failed", zap.Error(err))
			finish(Outcome{}, fmt.Errorf("%w: %w", ErrAcquisition, err))
			return
		}

		c.preview = img.preview
		c.processed = false
		c.result = ""

		recognizeTask := task.Submit(c.deps.Runner, c.ctx, func(ctx context.Context) (string, error) {
			png, err := img.bmp.PNG()
			if err != nil {
				return "", err
			}
			return c.deps.Recognizer.Recognize(ctx, png)
		})
		c.whenDone(recognizeTask.Done(), func() {
			done()
			text, err := recognizeTask.Result()
			if err != nil {
				opLogger.Warn("recognition failed", zap.Error(err))
				text = ""
			}
			c.processed = true
			c.result = text
			finish(c.outcome(), nil)
		})
	})
	return promise
}

func (c *Controller) decode(ctx context.Context, d acquire.Delivery) (*bitmap.Bitmap, error) {
	if len(d.Image) > 0 {
		return bitmap.DecodeBytes(d.Image, c.limits())
	}
	// a capture target is read once, then discarded
	defer c.deps.Captures.Release(d.URI)
	rc, err := c.deps.Resolver.Open(ctx, d.URI)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return bitmap.Decode(rc, c.limits())
}

func (c *Controller) limits() bitmap.Limits {
	return bitmap.Limits{MaxBytes: c.deps.MaxImageBytes, MaxPixels: c.deps.MaxImagePixels}
}

func (c *Controller) outcome() Outcome {
	if !c.processed {
		return Outcome{Notice: NoticeNoImage}
	}
	text := strings.TrimSpace(c.result)
	if text == "" {
		return Outcome{Notice: NoticeNoText}
	}
	return Outcome{Dialog: &Dialog{Title: DialogTitle, Message: text, Dismiss: DialogDismiss}}
}

func (c *Controller) snapshot(drain bool) State {
	s := State{
		ID:         c.id,
		Ready:      c.ready,
		Busy:       c.busy > 0,
		HasPreview: c.preview != nil,
	}
	if drain && len(c.notices) > 0 {
		s.Notices = c.notices
		c.notices = nil
	}
	return s
}
