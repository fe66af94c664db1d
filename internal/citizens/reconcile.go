package citizens

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	errMissingOrganization = errors.New("organization not resolved for sid")
	errMissingIDProvider   = errors.New("id provider is required")
)

// ReconcileInput bundles the loaded aggregate and the resolved organizations.
// Organizations must hold an entry for every sid of the snapshot.
type ReconcileInput struct {
	Citizen       Citizen
	Snapshot      Snapshot
	Organizations map[string]Organization
	IDProvider    IDProvider
	RefreshedAt   time.Time
}

// ChangeSet is the explicit unit of work computed by Reconcile.
type ChangeSet struct {
	Citizen              Citizen
	OrganizationsCreated []Organization
	MembershipsCreated   []Membership
	MembershipsUpdated   []Membership
	MembershipsDeleted   []Membership
	Unchanged            []Membership
}

// HasMembershipChanges reports whether any membership must be written.
func (c ChangeSet) HasMembershipChanges() bool {
	return len(c.MembershipsCreated) > 0 || len(c.MembershipsUpdated) > 0 || len(c.MembershipsDeleted) > 0
}

// Reconcile aligns the citizen's memberships with the snapshot. It does not
// touch storage: the returned ChangeSet is applied by the caller.
func Reconcile(input ReconcileInput) (ChangeSet, error) {
	if input.IDProvider == nil {
		return ChangeSet{}, errMissingIDProvider
	}
	if err := input.Snapshot.Validate(); err != nil {
		return ChangeSet{}, err
	}
	entries := input.Snapshot.entries()
	for _, entry := range entries {
		if _, ok := input.Organizations[entry.SID]; !ok {
			return ChangeSet{}, fmt.Errorf("%w: %s", errMissingOrganization, entry.SID)
		}
	}

	citizen := input.Citizen
	overwriteProfile(&citizen, input.Snapshot, input.RefreshedAt)

	snapshotSIDs := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		snapshotSIDs[entry.SID] = struct{}{}
	}

	// Lowest id wins among duplicates; UUIDv7 ids sort by creation time.
	current := slices.Clone(input.Citizen.Memberships)
	slices.SortStableFunc(current, func(left, right Membership) int {
		return strings.Compare(left.ID, right.ID)
	})

	changes := ChangeSet{}

	remaining := make([]Membership, 0, len(current))
	for _, membership := range current {
		if _, ok := snapshotSIDs[membershipSID(membership)]; !ok {
			changes.MembershipsDeleted = append(changes.MembershipsDeleted, membership)
			continue
		}
		remaining = append(remaining, membership)
	}

	seenOrganizations := make(map[string]struct{}, len(remaining))
	survivors := make([]Membership, 0, len(remaining))
	for _, membership := range remaining {
		if _, ok := seenOrganizations[membership.OrganizationID]; ok {
			changes.MembershipsDeleted = append(changes.MembershipsDeleted, membership)
			continue
		}
		seenOrganizations[membership.OrganizationID] = struct{}{}
		survivors = append(survivors, membership)
	}

	citizen.MainMembershipID = nil
	mainSID, hasMain := input.Snapshot.MainSID()

	claimed := make([]bool, len(survivors))
	result := make([]Membership, 0, len(entries))
	for _, entry := range entries {
		organization := input.Organizations[entry.SID]

		matched := -1
		for index := range survivors {
			if !claimed[index] && membershipSID(survivors[index]) == entry.SID {
				matched = index
				break
			}
		}

		var membership Membership
		if matched >= 0 {
			claimed[matched] = true
			membership = survivors[matched]
			changed := membership.Rank != entry.Rank ||
				membership.RankName != entry.RankName ||
				membership.OrganizationID != organization.ID ||
				membership.OrganizationSID != organization.OrganizationSID
			membership.Rank = entry.Rank
			membership.RankName = entry.RankName
			membership.OrganizationID = organization.ID
			membership.OrganizationSID = organization.OrganizationSID
			membership.Organization = pointerTo(organization)
			if changed {
				changes.MembershipsUpdated = append(changes.MembershipsUpdated, membership)
			} else {
				changes.Unchanged = append(changes.Unchanged, membership)
			}
		} else {
			membershipID, err := input.IDProvider.NewID()
			if err != nil {
				return ChangeSet{}, err
			}
			membership = Membership{
				ID:              membershipID,
				CitizenID:       citizen.ID,
				OrganizationID:  organization.ID,
				OrganizationSID: organization.OrganizationSID,
				Rank:            entry.Rank,
				RankName:        entry.RankName,
				Organization:    pointerTo(organization),
			}
			changes.MembershipsCreated = append(changes.MembershipsCreated, membership)
		}

		if hasMain && entry.SID == mainSID {
			citizen.MainMembershipID = pointerTo(membership.ID)
		}
		result = append(result, membership)
	}

	// Survivors sharing a sid under different organization rows cannot both stay.
	for index, membership := range survivors {
		if !claimed[index] {
			changes.MembershipsDeleted = append(changes.MembershipsDeleted, membership)
		}
	}

	citizen.Memberships = result
	changes.Citizen = citizen
	return changes, nil
}

func overwriteProfile(citizen *Citizen, snapshot Snapshot, refreshedAt time.Time) {
	citizen.Nickname = snapshot.Nickname
	citizen.Bio = snapshot.Bio
	citizen.AvatarURL = snapshot.AvatarURL
	citizen.LastRefresh = pointerTo(refreshedAt)
	citizen.RedactedMainOrganization = snapshot.RedactedMainOrganization
	citizen.CountRedactedOrganizations = snapshot.CountRedactedOrganizations
}

func membershipSID(membership Membership) string {
	if membership.Organization != nil && membership.Organization.OrganizationSID != "" {
		return membership.Organization.OrganizationSID
	}
	return membership.OrganizationSID
}

func pointerTo[T any](value T) *T {
	v := value
	return &v
}
