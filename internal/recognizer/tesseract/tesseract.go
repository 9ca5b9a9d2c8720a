//go:build !nogosseract

// Package tesseract binds the recognizer to libtesseract through gosseract.
// Build with -tags nogosseract on hosts without libtesseract.
package tesseract

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"

	"github.com/example/textscan/internal/recognizer"
)

// Available reports whether this build links libtesseract.
const Available = true

// Engine is a gosseract client bound to one model directory.
type Engine struct {
	client *gosseract.Client
}

// NewEngine creates a client reading trained data from dataDir.
func NewEngine(dataDir, language string) (recognizer.Engine, error) {
	client := gosseract.NewClient()
	if err := client.SetTessdataPrefix(dataDir); err != nil {
		client.Close()
		return nil, fmt.Errorf("set tessdata prefix %q: %w", dataDir, err)
	}
	if err := client.SetLanguage(language); err != nil {
		client.Close()
		return nil, fmt.Errorf("set language %q: %w", language, err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		client.Close()
		return nil, fmt.Errorf("set page segmentation mode: %w", err)
	}
	return &Engine{client: client}, nil
}

// SetImage hands encoded image bytes to tesseract.
func (e *Engine) SetImage(image []byte) error {
	return e.client.SetImageFromBytes(image)
}

// Text runs recognition on the current image.
func (e *Engine) Text() (string, error) {
	return e.client.Text()
}

// Close frees the underlying TessBaseAPI.
func (e *Engine) Close() error {
	return e.client.Close()
}

// Version returns the linked libtesseract version.
func Version() string {
	return gosseract.Version()
}
