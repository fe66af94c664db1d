package citizens

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidCitizenID indicates that a citizen identifier is empty or exceeds storage bounds.
	ErrInvalidCitizenID = errors.New("citizens: invalid citizen id")
	// ErrInvalidHandle indicates that a citizen handle is empty or exceeds storage bounds.
	ErrInvalidHandle = errors.New("citizens: invalid handle")
)

// CitizenID represents a validated citizen identifier.
type CitizenID string

// NewCitizenID validates raw input and returns a CitizenID.
func NewCitizenID(rawInput string) (CitizenID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCitizenID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidCitizenID, maxIdentifierLength)
	}
	return CitizenID(trimmed), nil
}

// String returns the underlying string identifier.
func (id CitizenID) String() string {
	return string(id)
}

// Handle is the external directory handle of a citizen.
type Handle string

// NewHandle validates raw input and returns a Handle.
func NewHandle(rawInput string) (Handle, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidHandle)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidHandle, maxIdentifierLength)
	}
	return Handle(trimmed), nil
}

// String returns the underlying handle.
func (h Handle) String() string {
	return string(h)
}

// Organization is a community group shared by every citizen that belongs to it.
type Organization struct {
	ID              string    `gorm:"column:id;primaryKey;size:36;not null"`
	OrganizationSID string    `gorm:"column:organization_sid;size:190;not null;uniqueIndex:idx_organizations_sid"`
	Name            string    `gorm:"column:name;size:255;not null;default:''"`
	AvatarURL       string    `gorm:"column:avatar_url;size:512;not null;default:''"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Organization) TableName() string {
	return "organizations"
}

// Membership joins a citizen to an organization. OrganizationSID mirrors the
// referenced organization's sid.
type Membership struct {
	ID              string        `gorm:"column:id;primaryKey;size:36;not null"`
	CitizenID       string        `gorm:"column:citizen_id;size:36;not null;index:idx_memberships_citizen"`
	OrganizationID  string        `gorm:"column:organization_id;size:36;not null;index:idx_memberships_organization"`
	OrganizationSID string        `gorm:"column:organization_sid;size:190;not null"`
	Rank            int           `gorm:"column:rank;not null;default:0"`
	RankName        string        `gorm:"column:rank_name;size:255;not null;default:''"`
	CreatedAt       time.Time     `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time     `gorm:"column:updated_at;autoUpdateTime"`
	Organization    *Organization `gorm:"foreignKey:OrganizationID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "citizen_organizations"
}

// Citizen is the aggregate refreshed from the directory.
type Citizen struct {
	ID                         string       `gorm:"column:id;primaryKey;size:36;not null"`
	Handle                     string       `gorm:"column:handle;size:190;not null;uniqueIndex:idx_citizens_handle"`
	Nickname                   string       `gorm:"column:nickname;size:255;not null;default:''"`
	Bio                        string       `gorm:"column:bio;type:text;not null;default:''"`
	AvatarURL                  string       `gorm:"column:avatar_url;size:512;not null;default:''"`
	LastRefresh                *time.Time   `gorm:"column:last_refresh"`
	RedactedMainOrganization   bool         `gorm:"column:redacted_main_organization;not null;default:false"`
	CountRedactedOrganizations int          `gorm:"column:count_redacted_organizations;not null;default:0"`
	MainMembershipID           *string      `gorm:"column:main_membership_id;size:36"`
	CreatedAt                  time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt                  time.Time    `gorm:"column:updated_at;autoUpdateTime"`
	Memberships                []Membership `gorm:"foreignKey:CitizenID;references:ID"`
}

// TableName provides the explicit table binding for GORM.
func (Citizen) TableName() string {
	return "citizens"
}

// MainMembership returns the membership elected as main, if any.
func (c Citizen) MainMembership() *Membership {
	if c.MainMembershipID == nil {
		return nil
	}
	for index := range c.Memberships {
		if c.Memberships[index].ID == *c.MainMembershipID {
			return &c.Memberships[index]
		}
	}
	return nil
}

// ChangeKind enumerates audited membership mutations.
type ChangeKind string

const (
	// ChangeKindCreated marks a membership inserted by a refresh.
	ChangeKindCreated ChangeKind = "created"
	// ChangeKindUpdated marks a membership whose rank or organization changed.
	ChangeKindUpdated ChangeKind = "updated"
	// ChangeKindDeleted marks a stale or duplicated membership removed by a refresh.
	ChangeKindDeleted ChangeKind = "deleted"
)

// MembershipChange captures an append-only audit trail for membership mutations.
type MembershipChange struct {
	ChangeID         string     `gorm:"column:change_id;primaryKey;size:36;not null"`
	CitizenID        string     `gorm:"column:citizen_id;size:36;not null;index:idx_membership_changes_citizen_time,priority:1"`
	MembershipID     string     `gorm:"column:membership_id;size:36;not null"`
	OrganizationSID  string     `gorm:"column:organization_sid;size:190;not null"`
	Kind             ChangeKind `gorm:"column:kind;size:16;not null"`
	PreviousRank     *int       `gorm:"column:prev_rank"`
	NewRank          *int       `gorm:"column:new_rank"`
	AppliedAtSeconds int64      `gorm:"column:applied_at_s;not null;index:idx_membership_changes_citizen_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (MembershipChange) TableName() string {
	return "citizen_organization_changes"
}
