package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/raceroom/internal/actors"
	"github.com/MarcoPoloResearchLab/raceroom/internal/auth"
	"github.com/MarcoPoloResearchLab/raceroom/internal/broadcast"
	"github.com/MarcoPoloResearchLab/raceroom/internal/categories"
	"github.com/MarcoPoloResearchLab/raceroom/internal/database"
	"github.com/MarcoPoloResearchLab/raceroom/internal/races"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "raceroom-auth"
	testCookieName    = "app_session"
)

var databaseCounter atomic.Int64

type serverFixture struct {
	server  *httptest.Server
	service *races.Service
	bus     *broadcast.Bus
	issuer  *auth.SessionIssuer
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", databaseCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db, nil); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	directory, err := categories.NewDirectory(categories.DirectoryConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := directory.Register(context.Background(), categories.Definition{
		Slug:           "smw",
		Name:           "Super Mario World",
		OwnerID:        "owner",
		Active:         true,
		AllowUserRaces: true,
		SlugWords:      []string{"dragon", "coin", "yoshi", "cape"},
		Goals:          []string{"Any%", "96 Exit"},
		ModeratorIDs:   []string{"mod"},
	}); err != nil {
		t.Fatalf("failed to register category: %v", err)
	}

	actorService, err := actors.NewService(actors.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create actor service: %v", err)
	}

	bus := broadcast.NewBus(broadcast.Config{})
	service, err := races.NewService(races.ServiceConfig{
		Database:         db,
		Directory:        directory,
		Actors:           actorService,
		Publisher:        bus,
		Rules:            races.Rules{Countdown: time.Hour, MinEntrants: 1},
		SnapshotMaxStale: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create race service: %v", err)
	}
	bus.AttachLoader(service)

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TTL:           time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Rooms:    service,
		Feeds:    bus,
		Sessions: validator,
		Actors:   actorService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(func() {
		server.Close()
		bus.Close()
		service.Close()
	})
	return &serverFixture{server: server, service: service, bus: bus, issuer: issuer}
}

func (f *serverFixture) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, _, err := f.issuer.Issue(userID, name)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends a request as the holder of token; an empty token is anonymous.
func (f *serverFixture) do(t *testing.T, method, path, token string, body any, headers ...string) *http.Response {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, f.server.URL+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	for index := 0; index+1 < len(headers); index += 2 {
		request.Header.Set(headers[index], headers[index+1])
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() {
		_ = response.Body.Close()
	})
	return response
}

func decodeBody[T any](t *testing.T, response *http.Response) T {
	t.Helper()
	var payload T
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return payload
}

func expectStatus(t *testing.T, response *http.Response, status int) {
	t.Helper()
	if response.StatusCode != status {
		body, _ := io.ReadAll(response.Body)
		t.Fatalf("%s %s: expected status %d, got %d: %s", response.Request.Method, response.Request.URL.Path, status, response.StatusCode, body)
	}
}

type roomResponse struct {
	Race struct {
		Category string `json:"category"`
		Slug     string `json:"slug"`
		State    string `json:"state"`
		Version  int64  `json:"version"`
		Goal     string `json:"goal"`
		Entrants []struct {
			ActorID string `json:"actor_id"`
			Status  string `json:"status"`
		} `json:"entrants"`
	} `json:"race"`
	AvailableActions []string `json:"available_actions"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// openRoom creates a room as the token holder and returns its path prefix.
func (f *serverFixture) openRoom(t *testing.T, token string) (string, roomResponse) {
	t.Helper()
	response := f.do(t, http.MethodPost, "/c/smw/races", token, races.RoomSettings{Goal: "Any%"})
	expectStatus(t, response, http.StatusCreated)
	room := decodeBody[roomResponse](t, response)
	return fmt.Sprintf("/c/%s/%s", room.Race.Category, room.Race.Slug), room
}

func itoa(value int64) string {
	return strconv.FormatInt(value, 10)
}
