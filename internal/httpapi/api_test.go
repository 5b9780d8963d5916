package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"orgmesh.org/internal/apitoken"
	"orgmesh.org/internal/audit"
	"orgmesh.org/internal/directory"
	"orgmesh.org/internal/identity"
	"orgmesh.org/internal/invite"
	"orgmesh.org/internal/permission"
	"orgmesh.org/internal/topic"
)

type apiFixture struct {
	api    *API
	srv    *httptest.Server
	id     identity.Provider
	dir    *directory.Service
	engine *permission.Engine
}

func newAPIFixture(t *testing.T, opts ...Option) *apiFixture {
	t.Helper()

	id, err := identity.NewLocal("Node", "")
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	dir, err := directory.NewService(directory.NewInMemory())
	if err != nil {
		t.Fatalf("directory: %v", err)
	}
	engine, err := permission.NewEngine(dir.Store(), audit.NewTrail(audit.NewMemorySink(128)))
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	dir.Subscribe(engine)
	invites, err := invite.NewService(invite.NewInMemory(), dir, engine, nil)
	if err != nil {
		t.Fatalf("invites: %v", err)
	}

	api := New(id, dir, engine, nil, invites, nil, "test", opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &apiFixture{api: api, srv: srv, id: id, dir: dir, engine: engine}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		buf = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestHealthAndInfo(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("healthz body = %v", body)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/info", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info status = %d", resp.StatusCode)
	}
	if body["did"] != f.id.CurrentDID() {
		t.Fatalf("info did = %v", body["did"])
	}
}

func TestOrgLifecycle(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/orgs", "", map[string]any{"name": "Acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, body %v", resp.StatusCode, body)
	}
	orgID, _ := body["id"].(string)
	if orgID == "" {
		t.Fatalf("create body = %v", body)
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/orgs/"+orgID {
		t.Fatalf("location = %q", loc)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/orgs", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	orgs, _ := body["organizations"].([]any)
	if len(orgs) != 1 {
		t.Fatalf("organizations = %v", body)
	}

	resp, body = f.do(t, http.MethodPatch, "/v1/orgs/"+orgID, "", map[string]any{"name": "Acme Corp"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch status = %d, body %v", resp.StatusCode, body)
	}
	if body["name"] != "Acme Corp" {
		t.Fatalf("patched name = %v", body["name"])
	}

	resp, body = f.do(t, http.MethodGet, "/v1/orgs/"+orgID+"/members", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("members status = %d", resp.StatusCode)
	}
	members, _ := body["members"].([]any)
	if len(members) != 1 {
		t.Fatalf("members = %v", body)
	}
}

// brokenTransport refuses subscriptions outright, unlike a transport that
// merely lacks pub/sub.
type brokenTransport struct{}

func (brokenTransport) Subscribe(context.Context, string, func([]byte)) (topic.Subscription, error) {
	return nil, errors.New("transport down")
}
func (brokenTransport) Publish(context.Context, string, []byte) error    { return nil }
func (brokenTransport) SendDirect(context.Context, string, []byte) error { return nil }
func (brokenTransport) HandleDirect(func([]byte))                        {}

func TestCreateOrgSurvivesJoinFailure(t *testing.T) {
	f := newAPIFixture(t)
	net := topic.NewNetwork(brokenTransport{}, f.id, topic.NewHub())
	api := New(f.id, f.dir, f.engine, net, nil, nil, "test")
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	body, _ := json.Marshal(map[string]any{"name": "Acme"})
	resp, err := srv.Client().Post(srv.URL+"/v1/orgs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create org: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 despite join failure", resp.StatusCode)
	}
	var created map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := f.dir.GetOrganization(t.Context(), created["id"].(string)); err != nil {
		t.Fatalf("org not persisted: %v", err)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodDelete, "/v1/orgs", "", nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); allow != "GET, POST" {
		t.Fatalf("allow = %q", allow)
	}
}

func TestUnknownOrgIsForbidden(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/v1/orgs/no-such-org", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRoleConflictMapsTo409(t *testing.T) {
	f := newAPIFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/orgs", "", map[string]any{"name": "Acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d", resp.StatusCode)
	}
	orgID := body["id"].(string)

	role := map[string]any{"name": "editor", "permissions": []string{"knowledge.write"}}
	resp, _ = f.do(t, http.MethodPost, "/v1/orgs/"+orgID+"/roles", "", role)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create role status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/orgs/"+orgID+"/roles", "", role)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate role status = %d", resp.StatusCode)
	}
}

func TestTokenAuthRequired(t *testing.T) {
	t.Setenv("ORGMESH_API_SECRET", "api-test-secret")
	apitoken.ResetSecretForTests()
	t.Cleanup(apitoken.ResetSecretForTests)

	f := newAPIFixture(t, WithTokenAuth())

	resp, _ := f.do(t, http.MethodGet, "/v1/orgs", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without token: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should stay public: %d", resp.StatusCode)
	}

	resp, body := f.do(t, http.MethodPost, "/v1/auth/token", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token endpoint: %d, body %v", resp.StatusCode, body)
	}
	token := body["token"].(string)

	resp, _ = f.do(t, http.MethodGet, "/v1/orgs", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with token: %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodGet, "/v1/orgs", "garbage", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("with bad token: %d", resp.StatusCode)
	}
}

func TestActorComesFromToken(t *testing.T) {
	t.Setenv("ORGMESH_API_SECRET", "api-test-secret")
	apitoken.ResetSecretForTests()
	t.Cleanup(apitoken.ResetSecretForTests)

	f := newAPIFixture(t, WithTokenAuth())

	nodeToken, err := apitoken.Generate(f.id.CurrentDID(), "Node", tokenTTL)
	if err != nil {
		t.Fatalf("node token: %v", err)
	}
	resp, body := f.do(t, http.MethodPost, "/v1/orgs", nodeToken, map[string]any{"name": "Acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d %v", resp.StatusCode, body)
	}
	orgID := body["id"].(string)

	// A viewer principal must not be able to manage roles.
	viewer := identity.Identity{DID: "did:orgmesh:dmlld2Vy", DisplayName: "Viewer"}
	if _, err := f.dir.AddMember(t.Context(), orgID, viewer, directory.RoleViewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	viewerToken, err := apitoken.Generate(viewer.DID, viewer.DisplayName, tokenTTL)
	if err != nil {
		t.Fatalf("viewer token: %v", err)
	}
	resp, _ = f.do(t, http.MethodPost, "/v1/orgs/"+orgID+"/roles", viewerToken,
		map[string]any{"name": "editor", "permissions": []string{"knowledge.write"}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer role create: %d", resp.StatusCode)
	}
}

func TestInvitationFlowOverAPI(t *testing.T) {
	t.Setenv("ORGMESH_API_SECRET", "api-test-secret")
	apitoken.ResetSecretForTests()
	t.Cleanup(apitoken.ResetSecretForTests)

	f := newAPIFixture(t, WithTokenAuth())

	ownerToken, err := apitoken.Generate(f.id.CurrentDID(), "Node", tokenTTL)
	if err != nil {
		t.Fatalf("owner token: %v", err)
	}
	resp, body := f.do(t, http.MethodPost, "/v1/orgs", ownerToken, map[string]any{"name": "Acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d", resp.StatusCode)
	}
	orgID := body["id"].(string)

	inviteeDID := "did:orgmesh:Y2Fyb2w"
	resp, body = f.do(t, http.MethodPost, fmt.Sprintf("/v1/orgs/%s/invitations", orgID), ownerToken,
		map[string]any{"invitee_did": inviteeDID, "message": "join us"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("send invitation: %d %v", resp.StatusCode, body)
	}
	invID := body["id"].(string)

	inviteeToken, err := apitoken.Generate(inviteeDID, "Carol", tokenTTL)
	if err != nil {
		t.Fatalf("invitee token: %v", err)
	}

	resp, body = f.do(t, http.MethodGet, "/v1/invitations", inviteeToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list invitations: %d", resp.StatusCode)
	}
	if invs, _ := body["invitations"].([]any); len(invs) != 1 {
		t.Fatalf("invitations = %v", body)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/invitations/"+invID+"/respond", inviteeToken,
		map[string]any{"accept": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("respond: %d %v", resp.StatusCode, body)
	}
	if body["status"] != invite.StatusAccepted {
		t.Fatalf("status = %v", body["status"])
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/invitations/"+invID+"/respond", inviteeToken,
		map[string]any{"accept": false})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("double respond: %d", resp.StatusCode)
	}

	resp, body = f.do(t, http.MethodGet, fmt.Sprintf("/v1/orgs/%s/members/%s", orgID, inviteeDID), ownerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("member after accept: %d", resp.StatusCode)
	}
	if body["status"] != directory.MemberStatusActive {
		t.Fatalf("member = %v", body)
	}
}

func TestPermissionCheckEndpoint(t *testing.T) {
	f := newAPIFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/orgs", "", map[string]any{"name": "Acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d", resp.StatusCode)
	}
	orgID := body["id"].(string)

	resp, body = f.do(t, http.MethodPost, "/v1/orgs/"+orgID+"/permissions/check", "",
		map[string]any{"permission": "role.manage"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %v", resp.StatusCode, body)
	}
	if body["granted"] != true {
		t.Fatalf("owner check = %v", body)
	}

	viewer := identity.Identity{DID: "did:orgmesh:dmlld2Vy", DisplayName: "Viewer"}
	if _, err := f.dir.AddMember(t.Context(), orgID, viewer, directory.RoleViewer); err != nil {
		t.Fatalf("add viewer: %v", err)
	}
	resp, body = f.do(t, http.MethodPost, "/v1/orgs/"+orgID+"/permissions/check", "",
		map[string]any{"user_did": viewer.DID, "permission": "role.manage"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check viewer: %d", resp.StatusCode)
	}
	if body["granted"] != false {
		t.Fatalf("viewer check = %v", body)
	}
}

func TestRedeemCodeOverAPI(t *testing.T) {
	t.Setenv("ORGMESH_API_SECRET", "api-test-secret")
	apitoken.ResetSecretForTests()
	t.Cleanup(apitoken.ResetSecretForTests)

	f := newAPIFixture(t, WithTokenAuth())

	ownerToken, err := apitoken.Generate(f.id.CurrentDID(), "Node", tokenTTL)
	if err != nil {
		t.Fatalf("owner token: %v", err)
	}
	resp, body := f.do(t, http.MethodPost, "/v1/orgs", ownerToken, map[string]any{"name": "Acme"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create org: %d", resp.StatusCode)
	}
	orgID := body["id"].(string)

	resp, body = f.do(t, http.MethodPost, "/v1/orgs/"+orgID+"/codes", ownerToken,
		map[string]any{"max_uses": 3})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create code: %d %v", resp.StatusCode, body)
	}
	code := body["code"].(string)

	newcomerToken, err := apitoken.Generate("did:orgmesh:bmV3Y29tZXI", "New", tokenTTL)
	if err != nil {
		t.Fatalf("newcomer token: %v", err)
	}
	resp, body = f.do(t, http.MethodPost, "/v1/codes/redeem", newcomerToken, map[string]any{"code": code})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("redeem: %d %v", resp.StatusCode, body)
	}
	if body["role"] != directory.RoleMember {
		t.Fatalf("redeemed role = %v", body["role"])
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/codes/redeem", newcomerToken, map[string]any{"code": "XXXX-XXXX"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("malformed code: %d", resp.StatusCode)
	}
}

func TestSecurityHeadersPresent(t *testing.T) {
	f := newAPIFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", "", nil)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q", got)
	}
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Fatalf("X-Frame-Options = %q", got)
	}
}
