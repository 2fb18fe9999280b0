package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"targetline/internal/config"
	"targetline/internal/db"
	"targetline/internal/domain"
	"targetline/internal/engine"
	"targetline/internal/ingest"
	"targetline/internal/migrate"
)

type stubExec struct{}

func (stubExec) Submit(context.Context, domain.TaskDefinition) error { return nil }

func (stubExec) Poll(context.Context, string) (domain.HandoffStatus, *domain.TaskResult, error) {
	return domain.HandoffPending, nil, nil
}

type testServer struct {
	URL    string
	eng    *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Staging.Root = filepath.Join(workspace, "staging")
	cfg.Evidence.Root = filepath.Join(workspace, "evidence")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, stubExec{}, ingest.FS{Root: cfg.Evidence.Root}, zap.NewNop())
	handler, err := New(Config{Engine: e, Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		eng:    e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func seedTargetWithPackage(t *testing.T, srv *testServer) (domain.Target, domain.Package) {
	t.Helper()
	ctx := context.Background()
	target, err := srv.eng.AddTarget(ctx, "Dr. Aris Vance", domain.TargetPerson, 80, map[string]string{"clearance": "open-source"})
	if err != nil {
		t.Fatalf("add target: %v", err)
	}
	pkg, err := srv.eng.CreatePackage(ctx, target.ID, "officer")
	if err != nil {
		t.Fatalf("create package: %v", err)
	}
	return target, pkg
}

func TestHealthAndTargets(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var health map[string]string
	if err := json.Unmarshal(data, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("expected ok, got %v", health)
	}

	target, _ := seedTargetWithPackage(t, srv)

	listRes, listBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets", nil, nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list targets status %d: %s", listRes.StatusCode, string(listBody))
	}
	var targets []domain.Target
	if err := json.Unmarshal(listBody, &targets); err != nil {
		t.Fatalf("unmarshal targets: %v", err)
	}
	if len(targets) != 1 || targets[0].ID != target.ID {
		t.Fatalf("expected one target %s, got %+v", target.ID, targets)
	}
	if targets[0].Metadata["clearance"] != "open-source" {
		t.Fatalf("metadata lost in listing: %+v", targets[0])
	}

	getRes, getBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets/"+target.ID, nil, nil)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get target status %d: %s", getRes.StatusCode, string(getBody))
	}
	var detail TargetDetail
	if err := json.Unmarshal(getBody, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if detail.Target.Name != "Dr. Aris Vance" {
		t.Fatalf("expected name, got %+v", detail.Target)
	}
	if len(detail.Packages) != 1 {
		t.Fatalf("expected one package, got %d", len(detail.Packages))
	}

	missRes, missBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets/tgt-nope", nil, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", missRes.StatusCode, string(missBody))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(missBody, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", envelope.Error.Code)
	}
}

func TestTargetFilters(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	if _, err := srv.eng.AddTarget(ctx, "Helios Array", domain.TargetTechnology, 40, nil); err != nil {
		t.Fatalf("add target: %v", err)
	}
	if _, err := srv.eng.AddTarget(ctx, "Meridian Forum", domain.TargetEvent, 60, nil); err != nil {
		t.Fatalf("add target: %v", err)
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets?kind=event", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("filtered list status %d: %s", res.StatusCode, string(body))
	}
	var targets []domain.Target
	if err := json.Unmarshal(body, &targets); err != nil {
		t.Fatalf("unmarshal targets: %v", err)
	}
	if len(targets) != 1 || targets[0].Kind != domain.TargetEvent {
		t.Fatalf("expected one event target, got %+v", targets)
	}

	badRes, badBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets?kind=squadron", nil, nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown kind, got %d %s", badRes.StatusCode, string(badBody))
	}
}

func TestInspectPackage(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	_, pkg := seedTargetWithPackage(t, srv)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/"+pkg.PackageID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("inspect status %d: %s", res.StatusCode, string(body))
	}
	var insp engine.Inspection
	if err := json.Unmarshal(body, &insp); err != nil {
		t.Fatalf("unmarshal inspection: %v", err)
	}
	if insp.Package.PackageID != pkg.PackageID {
		t.Fatalf("expected package %s, got %s", pkg.PackageID, insp.Package.PackageID)
	}
	if insp.Package.Status != domain.StatusDraft {
		t.Fatalf("expected draft, got %s", insp.Package.Status)
	}
	if len(insp.History) == 0 {
		t.Fatalf("expected history entries")
	}

	missRes, missBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/packages/pkg-nope", nil, nil)
	if missRes.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", missRes.StatusCode, string(missBody))
	}
}

func TestReportEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{})
	defer cleanup()
	client := srv.Client()

	seedTargetWithPackage(t, srv)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("report status %d: %s", res.StatusCode, string(body))
	}
	var sum struct {
		TargetsByStatus  map[string]int `json:"targets_by_status"`
		PackagesByStatus map[string]int `json:"packages_by_status"`
		Window           string         `json:"window"`
	}
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if sum.TargetsByStatus["under_research"] != 1 {
		t.Fatalf("expected one target under research, got %+v", sum.TargetsByStatus)
	}
	if sum.PackagesByStatus["draft"] != 1 {
		t.Fatalf("expected one draft package, got %+v", sum.PackagesByStatus)
	}

	winRes, winBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report?window=2h", nil, nil)
	if winRes.StatusCode != http.StatusOK {
		t.Fatalf("windowed report status %d: %s", winRes.StatusCode, string(winBody))
	}
	if err := json.Unmarshal(winBody, &sum); err != nil {
		t.Fatalf("unmarshal windowed report: %v", err)
	}
	if sum.Window != "2h0m0s" {
		t.Fatalf("expected window 2h0m0s, got %s", sum.Window)
	}

	badRes, badBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/report?window=soon", nil, nil)
	if badRes.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad window, got %d %s", badRes.StatusCode, string(badBody))
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-signing-secret"
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: secret})
	defer cleanup()
	client := srv.Client()

	// health stays open even with auth enforced
	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d %s", res.StatusCode, string(body))
	}

	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "analyst-7",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Roles: []string{"officer"},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{
		"Authorization": "Bearer " + token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(body))
	}
	var me meBody
	if err := json.Unmarshal(body, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.ActorID != "analyst-7" || me.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", me)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d %s", res.StatusCode, string(body))
	}

	otherSecret, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("wrong-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/targets", nil, map[string]string{
		"Authorization": "Bearer " + otherSecret,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong key, got %d %s", res.StatusCode, string(body))
	}
}
