package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetmanager/backend/internal/citizens"
)

func newDirectoryServer(t *testing.T, organizationHits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/organizations/FLK", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(organizationHits, 1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"FLK","name":"Fleet Keepers","avatar_url":"https://cdn.example.com/flk.png"}`))
	})
	mux.HandleFunc("/organizations/BROKEN", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/citizens/ionni", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"nickname": "Ioni",
			"bio": "hauler",
			"redacted_main_organization": false,
			"count_redacted_organizations": 2,
			"organizations": [
				{"sid": "FLK", "rank": 3, "rank_name": "Officer", "main": true},
				{"sid": "MINE", "rank": 1, "rank_name": "Member"}
			]
		}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	client, err := NewClient(Config{BaseURL: baseURL + "/"})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestOrganizationInfoIsCached(t *testing.T) {
	var hits int32
	server := newDirectoryServer(t, &hits)
	client := newTestClient(t, server.URL)

	for attempt := 0; attempt < 3; attempt++ {
		info, err := client.OrganizationInfo(context.Background(), "FLK")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if info.SID != "FLK" || info.Name != "Fleet Keepers" || info.AvatarURL != "https://cdn.example.com/flk.png" {
			t.Fatalf("unexpected organization info: %#v", info)
		}
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one directory request, got %d", got)
	}
}

func TestOrganizationInfoSharedFetchSurvivesCanceledCaller(t *testing.T) {
	var hits int32
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/organizations/SLOW", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		started <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sid":"SLOW","name":"Slow Haulers"}`))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	client := newTestClient(t, server.URL)

	canceledCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	firstResult := make(chan error, 1)
	go func() {
		_, err := client.OrganizationInfo(canceledCtx, "SLOW")
		firstResult <- err
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatalf("directory request never started")
	}

	type lookup struct {
		info citizens.OrganizationInfo
		err  error
	}
	secondResult := make(chan lookup, 1)
	go func() {
		info, err := client.OrganizationInfo(context.Background(), "SLOW")
		secondResult <- lookup{info: info, err: err}
	}()

	cancel()
	select {
	case err := <-firstResult:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected first caller to observe its cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("canceled caller did not return")
	}

	close(release)
	select {
	case result := <-secondResult:
		if result.err != nil {
			t.Fatalf("expected second caller to succeed, got %v", result.err)
		}
		if result.info.Name != "Slow Haulers" {
			t.Fatalf("unexpected organization info: %#v", result.info)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second caller did not return")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Fatalf("expected one directory request, got %d", got)
	}
}

func TestOrganizationInfoMapsStatuses(t *testing.T) {
	var hits int32
	server := newDirectoryServer(t, &hits)
	client := newTestClient(t, server.URL)

	if _, err := client.OrganizationInfo(context.Background(), "GONE"); !errors.Is(err, citizens.ErrOrganizationNotFound) {
		t.Fatalf("expected organization not found, got %v", err)
	}
	if _, err := client.OrganizationInfo(context.Background(), "BROKEN"); !errors.Is(err, ErrUnexpectedStatus) {
		t.Fatalf("expected unexpected status error, got %v", err)
	}
}

func TestCitizenInfoDecodesSnapshot(t *testing.T) {
	var hits int32
	server := newDirectoryServer(t, &hits)
	client := newTestClient(t, server.URL)

	snapshot, err := client.CitizenInfo(context.Background(), citizens.Handle("ionni"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if snapshot.Handle != "ionni" || snapshot.Nickname != "Ioni" || snapshot.CountRedactedOrganizations != 2 {
		t.Fatalf("unexpected snapshot: %#v", snapshot)
	}
	if len(snapshot.Organizations) != 2 {
		t.Fatalf("expected two organizations, got %d", len(snapshot.Organizations))
	}
	mainSID, ok := snapshot.MainSID()
	if !ok || mainSID != "FLK" {
		t.Fatalf("expected FLK to be main, got %q", mainSID)
	}
	if snapshot.Organizations[0].RankName != "Officer" {
		t.Fatalf("unexpected rank name %q", snapshot.Organizations[0].RankName)
	}

	if _, err := client.CitizenInfo(context.Background(), citizens.Handle("nobody")); !errors.Is(err, citizens.ErrCitizenNotFound) {
		t.Fatalf("expected citizen not found, got %v", err)
	}
}

func TestNewClientRejectsInvalidBaseURL(t *testing.T) {
	for _, baseURL := range []string{"", "ftp://directory.example.com", "http://"} {
		if _, err := NewClient(Config{BaseURL: baseURL}); !errors.Is(err, ErrInvalidBaseURL) {
			t.Fatalf("expected invalid base url error for %q, got %v", baseURL, err)
		}
	}
}
