package sender

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/JoergVierling/eessi-as4.net/pkg/faults"
	"github.com/JoergVierling/eessi-as4.net/pkg/pmode"
)

// FileStrategy drops payloads as files in the configured directory.
// Parameters: location (directory, required).
type FileStrategy struct{}

func (FileStrategy) Name() string { return "FILE" }

func (FileStrategy) Send(_ context.Context, method pmode.Method, p Payload) error {
	dir := method.Parameter("location")
	if dir == "" {
		return faults.Configuration("method.location", "FILE sender needs a location parameter")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return faults.Transient("creating deliver directory", err)
	}

	name := sanitizeFileName(p.MessageID) + extensionFor(p.ContentType)
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, p.Content, 0o640); err != nil {
		return faults.Transient("writing deliver file", err)
	}
	return nil
}

// sanitizeFileName keeps ebMS message ids (uuid@host) filesystem-safe.
func sanitizeFileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '.' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

func extensionFor(contentType string) string {
	switch {
	case strings.Contains(contentType, "xml"):
		return ".xml"
	case strings.Contains(contentType, "json"):
		return ".json"
	default:
		return ".bin"
	}
}
