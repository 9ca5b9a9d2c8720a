//go:build nogosseract

package tesseract

import (
	"errors"

	"github.com/example/textscan/internal/recognizer"
)

// Available reports whether this build links libtesseract.
const Available = false

// ErrUnavailable is returned by NewEngine in builds without libtesseract.
var ErrUnavailable = errors.New("tesseract: built without libtesseract (nogosseract tag)")

// NewEngine always fails in this build.
func NewEngine(dataDir, language string) (recognizer.Engine, error) {
	return nil, ErrUnavailable
}

// Version reports the missing engine.
func Version() string {
	return "unavailable"
}
