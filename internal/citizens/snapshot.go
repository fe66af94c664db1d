package citizens

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidSnapshot indicates the directory snapshot cannot be reconciled.
	ErrInvalidSnapshot = errors.New("citizens: invalid snapshot")
	// ErrCitizenNotFound indicates the directory does not know the handle.
	ErrCitizenNotFound = errors.New("citizens: citizen not found in directory")
	// ErrOrganizationNotFound indicates the directory does not know the sid.
	ErrOrganizationNotFound = errors.New("citizens: organization not found in directory")
)

// SnapshotOrganization is one membership reported by the directory.
type SnapshotOrganization struct {
	SID      string `json:"sid"`
	Rank     int    `json:"rank"`
	RankName string `json:"rank_name"`
	Main     bool   `json:"main"`
}

// Snapshot is the authoritative directory read of a citizen at refresh time.
type Snapshot struct {
	Handle                     string                 `json:"handle"`
	Nickname                   string                 `json:"nickname"`
	Bio                        string                 `json:"bio"`
	AvatarURL                  string                 `json:"avatar_url"`
	RedactedMainOrganization   bool                   `json:"redacted_main_organization"`
	CountRedactedOrganizations int                    `json:"count_redacted_organizations"`
	Organizations              []SnapshotOrganization `json:"organizations"`
}

// OrganizationInfo is the directory's authoritative display record for a sid.
type OrganizationInfo struct {
	SID       string `json:"sid"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatar_url"`
}

// Validate reports whether every entry carries a usable sid.
func (s Snapshot) Validate() error {
	for index, entry := range s.Organizations {
		if strings.TrimSpace(entry.SID) == "" {
			return fmt.Errorf("%w: organization %d has an empty sid", ErrInvalidSnapshot, index)
		}
	}
	if s.CountRedactedOrganizations < 0 {
		return fmt.Errorf("%w: negative redacted organization count", ErrInvalidSnapshot)
	}
	return nil
}

// DistinctSIDs returns every sid of the snapshot once, in first-seen order.
func (s Snapshot) DistinctSIDs() []string {
	seen := make(map[string]struct{}, len(s.Organizations))
	sids := make([]string, 0, len(s.Organizations))
	for _, entry := range s.Organizations {
		if _, ok := seen[entry.SID]; ok {
			continue
		}
		seen[entry.SID] = struct{}{}
		sids = append(sids, entry.SID)
	}
	return sids
}

// MainSID returns the sid of the first entry flagged as main.
func (s Snapshot) MainSID() (string, bool) {
	for _, entry := range s.Organizations {
		if entry.Main {
			return entry.SID, true
		}
	}
	return "", false
}

// entries collapses repeated sids onto their first occurrence.
func (s Snapshot) entries() []SnapshotOrganization {
	seen := make(map[string]struct{}, len(s.Organizations))
	result := make([]SnapshotOrganization, 0, len(s.Organizations))
	for _, entry := range s.Organizations {
		if _, ok := seen[entry.SID]; ok {
			continue
		}
		seen[entry.SID] = struct{}{}
		result = append(result, entry)
	}
	return result
}
