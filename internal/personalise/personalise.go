// Package personalise rewrites reader-facing URLs so they address the acting
// user's own pages.
package personalise

import (
	"net/url"
	"slices"
	"strings"

	"github.com/google/uuid"
)

const (
	// DefaultRoot is the path prefix owning personalisable pages.
	DefaultRoot = "/myft"

	userIDPrefix = "uuid:"
)

// DefaultImmutableSegments name sub-pages that are the same for every user.
var DefaultImmutableSegments = []string{"product-tour"}

// Personaliser classifies and rewrites URLs below one root path.
type Personaliser struct {
	root              string
	immutableSegments []string
}

// Option mutates personaliser configuration.
type Option func(*Personaliser)

// WithRoot overrides the personalisable path prefix.
func WithRoot(root string) Option {
	return func(p *Personaliser) {
		root = "/" + strings.Trim(root, "/")
		if root != "/" {
			p.root = root
		}
	}
}

// WithImmutableSegments overrides the sub-pages that are never personalised.
func WithImmutableSegments(segments ...string) Option {
	return func(p *Personaliser) {
		p.immutableSegments = slices.Clone(segments)
	}
}

// New creates a personaliser.
func New(options ...Option) *Personaliser {
	p := &Personaliser{
		root:              DefaultRoot,
		immutableSegments: slices.Clone(DefaultImmutableSegments),
	}
	for _, option := range options {
		option(p)
	}

	return p
}

// IsImmutable reports whether rawURL already addresses a fixed entity below the root.
//
// A URL is immutable when its sub-path contains a UUID segment or starts with one
// of the immutable segments.
func (p *Personaliser) IsImmutable(rawURL string) bool {
	sub, ok := p.subPath(rawURL)
	if !ok || len(sub) == 0 {
		return false
	}
	if slices.Contains(p.immutableSegments, sub[0]) {
		return true
	}

	return slices.ContainsFunc(sub, isUUID)
}

// IsPersonalised reports whether the path already ends in a user or list id.
func (p *Personaliser) IsPersonalised(rawURL string) bool {
	segments := pathSegments(pathOf(rawURL))
	if len(segments) == 0 {
		return false
	}

	return isUUID(segments[len(segments)-1])
}

// Personalise appends userID to rawURL's path unless the URL is immutable or
// already personalised. Query and fragment are preserved.
func (p *Personaliser) Personalise(rawURL, userID string) string {
	userID = strings.TrimPrefix(userID, userIDPrefix)
	if userID == "" || p.IsImmutable(rawURL) || p.IsPersonalised(rawURL) {
		return rawURL
	}
	if _, ok := p.subPath(rawURL); !ok {
		return rawURL
	}

	path, rest := splitPath(rawURL)

	return strings.TrimRight(path, "/") + "/" + url.PathEscape(userID) + rest
}

// subPath returns the segments after the root, or false when rawURL is outside it.
func (p *Personaliser) subPath(rawURL string) ([]string, bool) {
	path := pathOf(rawURL)
	if path != p.root && !strings.HasPrefix(path, p.root+"/") {
		return nil, false
	}

	return pathSegments(strings.TrimPrefix(path, p.root)), true
}

// pathOf returns the path component of an absolute or relative URL.
func pathOf(rawURL string) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		return parsed.Path
	}
	path, _ := splitPath(rawURL)

	return path
}

// splitPath separates the path from the query and fragment suffix.
// Scheme and host stay attached to the path part.
func splitPath(rawURL string) (string, string) {
	if idx := strings.IndexAny(rawURL, "?#"); idx >= 0 {
		return rawURL[:idx], rawURL[idx:]
	}

	return rawURL, ""
}

func pathSegments(path string) []string {
	segments := make([]string, 0, 4)
	for _, segment := range strings.Split(path, "/") {
		if segment != "" {
			segments = append(segments, segment)
		}
	}

	return segments
}

func isUUID(segment string) bool {
	segment = strings.TrimPrefix(segment, userIDPrefix)
	if len(segment) != 36 {
		return false
	}
	_, err := uuid.Parse(segment)

	return err == nil
}
