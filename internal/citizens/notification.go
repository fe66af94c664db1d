package citizens

import (
	"context"
	"strings"
	"time"
)

const (
	// TopicOrganizationObserved is published once per organization created by a refresh.
	TopicOrganizationObserved = "organization.observed"
	// TopicCitizenRefreshed is published after every committed refresh.
	TopicCitizenRefreshed = "citizen.refreshed"
)

// Notification is a fire-and-forget message for external consumers.
type Notification interface {
	Topic() string
}

// Notifier delivers notifications. Failures never abort a refresh.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// OrganizationObserved reports the first sighting of an organization sid.
type OrganizationObserved struct {
	OrganizationID  string    `json:"organization_id"`
	OrganizationSID string    `json:"organization_sid"`
	Name            string    `json:"name"`
	Host            string    `json:"host,omitempty"`
	ObservedAt      time.Time `json:"observed_at"`
}

// Topic implements Notification.
func (OrganizationObserved) Topic() string {
	return TopicOrganizationObserved
}

// ChangeSummary counts the mutations applied by a refresh.
type ChangeSummary struct {
	OrganizationsCreated int `json:"organizations_created"`
	MembershipsCreated   int `json:"memberships_created"`
	MembershipsUpdated   int `json:"memberships_updated"`
	MembershipsDeleted   int `json:"memberships_deleted"`
}

// Summary returns the mutation counts of the change set.
func (c ChangeSet) Summary() ChangeSummary {
	return ChangeSummary{
		OrganizationsCreated: len(c.OrganizationsCreated),
		MembershipsCreated:   len(c.MembershipsCreated),
		MembershipsUpdated:   len(c.MembershipsUpdated),
		MembershipsDeleted:   len(c.MembershipsDeleted),
	}
}

// CitizenRefreshed carries the refreshed citizen and the snapshot it was aligned to.
type CitizenRefreshed struct {
	CitizenID   string        `json:"citizen_id"`
	Handle      string        `json:"handle"`
	Snapshot    Snapshot      `json:"snapshot"`
	Changes     ChangeSummary `json:"changes"`
	RefreshedAt time.Time     `json:"refreshed_at"`
}

// Topic implements Notification.
func (CitizenRefreshed) Topic() string {
	return TopicCitizenRefreshed
}

type requestHostKey struct{}

// WithRequestHost attaches the originating request host for telemetry.
func WithRequestHost(ctx context.Context, host string) context.Context {
	return context.WithValue(ctx, requestHostKey{}, strings.TrimSpace(host))
}

// RequestHost returns the host attached by WithRequestHost, or an empty string.
func RequestHost(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	host, _ := ctx.Value(requestHostKey{}).(string)
	return host
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error {
	return nil
}
