package domain

import (
	"regexp"
	"strings"
)

// Visibility of a repository on either host
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityPrivate  Visibility = "private"
	VisibilityInternal Visibility = "internal"
)

// ParseVisibility normalizes the audit log and GraphQL spellings
// ("PUBLIC", "Private", ...). Unknown values map to private.
func ParseVisibility(s string) Visibility {
	switch Visibility(strings.ToLower(s)) {
	case VisibilityPublic:
		return VisibilityPublic
	case VisibilityInternal:
		return VisibilityInternal
	}
	return VisibilityPrivate
}

// Repository is a transient description of a repository passed between the
// reconciler and the mirror
type Repository struct {
	Org        string
	Name       string
	Visibility Visibility
}

// FullName returns the "org/name" form
func (r Repository) FullName() string {
	return r.Org + "/" + r.Name
}

// NWO is a parsed "name with owner"
type NWO struct {
	Org  string
	Repo string
}

var (
	nwoPattern      = regexp.MustCompile(`^([^-][a-zA-Z0-9-]*[^-])/([a-zA-Z0-9-.]+)$`)
	repoNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-.]+$`)
)

// ParseNWO splits "org/repo". It rejects a missing or empty repository
// segment, repository names outside [a-zA-Z0-9-.] and "." or ".." in
// either segment.
func ParseNWO(nwo string) (NWO, bool) {
	m := nwoPattern.FindStringSubmatch(nwo)
	if m == nil || !isPathSegment(m[1]) || !isPathSegment(m[2]) {
		return NWO{}, false
	}
	return NWO{Org: m[1], Repo: m[2]}, true
}

// IsValidRepoName reports whether name is an acceptable bare repository name
func IsValidRepoName(name string) bool {
	return repoNamePattern.MatchString(name) && isPathSegment(name)
}

// isPathSegment reports whether s names exactly one directory level
func isPathSegment(s string) bool {
	return s != "." && s != ".." && !strings.ContainsAny(s, `/\`)
}
