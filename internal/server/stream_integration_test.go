package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetmanager/backend/internal/citizens"
	"github.com/fleetmanager/backend/internal/events"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type staticOrganizations map[string]citizens.OrganizationInfo

func (d staticOrganizations) OrganizationInfo(_ context.Context, sid string) (citizens.OrganizationInfo, error) {
	info, ok := d[sid]
	if !ok {
		return citizens.OrganizationInfo{}, citizens.ErrOrganizationNotFound
	}
	return info, nil
}

type staticCitizens map[citizens.Handle]citizens.Snapshot

func (d staticCitizens) CitizenInfo(_ context.Context, handle citizens.Handle) (citizens.Snapshot, error) {
	snapshot, ok := d[handle]
	if !ok {
		return citizens.Snapshot{}, citizens.ErrCitizenNotFound
	}
	return snapshot, nil
}

func TestEventStreamEmitsCitizenRefreshed(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dsn := fmt.Sprintf("file:fleet_stream_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(githubsqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&citizens.Organization{}, &citizens.Citizen{}, &citizens.Membership{}, &citizens.MembershipChange{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	broker := events.NewBroker()
	service, err := citizens.NewService(citizens.ServiceConfig{
		Database:      db,
		IDProvider:    citizens.NewUUIDProvider(),
		Organizations: staticOrganizations{"FLK": {SID: "FLK", Name: "Fleet Keepers"}},
		Citizens: staticCitizens{"ionni": {
			Nickname:      "Ioni",
			Organizations: []citizens.SnapshotOrganization{{SID: "FLK", Rank: 3, RankName: "Officer", Main: true}},
		}},
		Notifier: broker,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Citizens:          service,
		Events:            broker,
		HeartbeatInterval: time.Hour,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	createResp, err := http.Post(server.URL+"/api/citizens", "application/json", bytes.NewBufferString(`{"handle":"ionni"}`))
	if err != nil {
		t.Fatalf("create request failed: %v", err)
	}
	var created citizenPayload
	if err := json.NewDecoder(createResp.Body).Decode(&created); err != nil {
		t.Fatalf("failed to decode created citizen: %v", err)
	}
	_ = createResp.Body.Close()
	if created.ID == "" {
		t.Fatalf("expected citizen id")
	}

	streamCtx, cancelStream := context.WithCancel(context.Background())
	t.Cleanup(cancelStream)
	streamRequest, err := http.NewRequestWithContext(streamCtx, http.MethodGet, server.URL+"/api/citizens/"+created.ID+"/events", http.NoBody)
	if err != nil {
		t.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}
	streamReader := bufio.NewReader(streamResp.Body)

	readEvent := func(want string) string {
		t.Helper()
		currentEvent := ""
		deadline := time.After(5 * time.Second)
		type readResult struct {
			line string
			err  error
		}
		for {
			resultCh := make(chan readResult, 1)
			go func() {
				line, err := streamReader.ReadString('\n')
				resultCh <- readResult{line: line, err: err}
			}()
			select {
			case <-deadline:
				t.Fatalf("timed out waiting for %s event", want)
			case res := <-resultCh:
				if res.err != nil {
					t.Fatalf("failed to read stream: %v", res.err)
				}
				line := strings.TrimSpace(res.line)
				if strings.HasPrefix(line, "event:") {
					currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
					continue
				}
				if strings.HasPrefix(line, "data:") && currentEvent == want {
					return strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				}
			}
		}
	}

	readEvent(eventReady)

	refreshResp, err := http.Post(server.URL+"/api/citizens/"+created.ID+"/refresh", "application/json", http.NoBody)
	if err != nil {
		t.Fatalf("refresh request failed: %v", err)
	}
	_ = refreshResp.Body.Close()
	if refreshResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected refresh status: %d", refreshResp.StatusCode)
	}

	var refreshed struct {
		CitizenID string                 `json:"citizen_id"`
		Changes   citizens.ChangeSummary `json:"changes"`
	}
	if err := json.Unmarshal([]byte(readEvent(citizens.TopicCitizenRefreshed)), &refreshed); err != nil {
		t.Fatalf("failed to decode event payload: %v", err)
	}
	if refreshed.CitizenID != created.ID {
		t.Fatalf("unexpected citizen id %q", refreshed.CitizenID)
	}
	if refreshed.Changes.MembershipsCreated != 1 || refreshed.Changes.OrganizationsCreated != 1 {
		t.Fatalf("unexpected change summary: %#v", refreshed.Changes)
	}
}
