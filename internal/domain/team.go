package domain

import "time"

// Privacy of a team
type Privacy string

const (
	PrivacyClosed Privacy = "closed"
	PrivacySecret Privacy = "secret"
)

// ParsePrivacy maps anything but "secret" to closed, which is the only
// other value accepted when creating a team.
func ParsePrivacy(s string) Privacy {
	if Privacy(s) == PrivacySecret {
		return PrivacySecret
	}
	return PrivacyClosed
}

// TeamRole is a member's role within a team
type TeamRole string

const (
	TeamRoleMember     TeamRole = "member"
	TeamRoleMaintainer TeamRole = "maintainer"
)

// Team is the destination-shaped view of a source team
type Team struct {
	ID          int64 // destination-assigned, zero until created
	Slug        string
	Name        string
	Description string
	Privacy     Privacy
	Parent      *TeamRef
}

// TeamRef is a weak reference to another team
type TeamRef struct {
	Name string
	Slug string
}

// CustomRepositoryRole is an organization-level repository role
type CustomRepositoryRole struct {
	ID          int64    `json:"id,omitempty"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	BaseRole    string   `json:"base_role"`
	Permissions []string `json:"permissions"`
}

// InstallationToken is a short-lived token for the app installed on an org
type InstallationToken struct {
	Org       string
	Token     string
	ExpiresAt time.Time
}

// Valid reports whether the token can still be used at now, keeping a
// safety margin before expiry
func (t InstallationToken) Valid(now time.Time, margin time.Duration) bool {
	if t.Token == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(margin).Before(t.ExpiresAt)
}
