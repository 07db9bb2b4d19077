// Package capture grabs camera and screen frames on a fixed cadence, scales
// them down, encodes them as JPEG, and hands them to a sender for streaming.
package capture

import "errors"

// ErrNoSourceAvailable is returned when a provider lists no capture sources.
var ErrNoSourceAvailable = errors.New("no capture source available")

// Kind distinguishes the capture pipelines. Each kind runs at most one
// active session at a time.
type Kind string

const (
	KindCamera Kind = "camera"
	KindScreen Kind = "screen"
)

// SourceKind classifies what a screen source covers.
type SourceKind string

const (
	// SourceScreen is a whole display.
	SourceScreen SourceKind = "screen"
	// SourceWindow is a single application window.
	SourceWindow SourceKind = "window"
)

// Source identifies one capturable surface.
type Source struct {
	ID   string
	Name string
	Kind SourceKind
}

// SourceProvider enumerates capturable surfaces. Platform backends and tests
// implement it.
type SourceProvider interface {
	Sources() ([]Source, error)
}

// SelectSource picks the surface to share: a whole display when one is
// listed, otherwise the first source offered.
func SelectSource(provider SourceProvider) (Source, error) {
	sources, err := provider.Sources()
	if err != nil {
		return Source{}, err
	}
	if len(sources) == 0 {
		return Source{}, ErrNoSourceAvailable
	}
	for _, src := range sources {
		if src.Kind == SourceScreen {
			return src, nil
		}
	}
	return sources[0], nil
}
