package remote

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// ChangeKind is the type of an observed remote mutation
type ChangeKind int

const (
	KindAdded ChangeKind = iota
	KindModified
	KindRemoved
	KindMoved
)

func (k ChangeKind) String() string {
	switch k {
	case KindAdded:
		return "added"
	case KindModified:
		return "modified"
	case KindRemoved:
		return "removed"
	case KindMoved:
		return "moved"
	default:
		return "unknown"
	}
}

// ResourceType says how a resource can be materialized locally
type ResourceType int

const (
	TypeFile ResourceType = iota
	TypeFolder
	// TypeNative is a provider-native document that has no file export
	TypeNative
	// TypeConvertible is a provider-native document exported through conversion
	TypeConvertible
)

func (t ResourceType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeFolder:
		return "folder"
	case TypeNative:
		return "native"
	case TypeConvertible:
		return "convertible"
	default:
		return "unknown"
	}
}

// ChangeRecord is a single observed remote mutation
type ChangeRecord struct {
	// Path is relative to the account root and starts with "/"
	Path         string
	Kind         ChangeKind
	ResourceID   string
	Checksum     string
	Revision     string
	MimeType     string
	ModifiedTime time.Time
	Type         ResourceType
	PreviousPath string
	Size         int64
	// ContainerID is the parent folder id when the provider reports one
	ContainerID string
}

func (c ChangeRecord) String() string {
	if c.Kind == KindMoved {
		return fmt.Sprintf("%s %s -> %s", c.Kind, c.PreviousPath, c.Path)
	}
	return fmt.Sprintf("%s %s", c.Kind, c.Path)
}

// Fingerprint returns the best available content identity
func (c ChangeRecord) Fingerprint() string {
	if c.Checksum != "" {
		return c.Checksum
	}
	return c.Revision
}

// CleanPath normalizes a remote path to a rooted slash path
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "/"
	}
	return path.Clean("/" + p)
}

// RelativeTo rewrites a provider path relative to a root folder. The
// comparison uses lowercased paths because providers are case-insensitive;
// the display path keeps its case. ok is false when the entry is outside root.
func RelativeTo(rootLower, entryLower, entryDisplay string) (string, bool) {
	rootLower = strings.ToLower(CleanPath(rootLower))
	entryLower = strings.ToLower(CleanPath(entryLower))
	if entryDisplay == "" {
		entryDisplay = entryLower
	}
	entryDisplay = CleanPath(entryDisplay)

	if rootLower == "/" {
		return entryDisplay, true
	}
	if entryLower == rootLower {
		return "/", true
	}
	if !strings.HasPrefix(entryLower, rootLower+"/") {
		return "", false
	}
	// Lowercasing may change byte lengths, so the root is stripped from the
	// display path by segment count
	depth := strings.Count(rootLower, "/")
	segments := strings.Split(strings.TrimPrefix(entryDisplay, "/"), "/")
	if len(segments) <= depth {
		return "", false
	}
	return CleanPath(strings.Join(segments[depth:], "/")), true
}
