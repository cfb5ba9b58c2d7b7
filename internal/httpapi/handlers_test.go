package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bidroom.org/internal/auth"
	"bidroom.org/internal/collab"
	"bidroom.org/internal/property"
	"bidroom.org/internal/stream"
)

type testEnv struct {
	srv   *httptest.Server
	props *property.InMemory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("BIDROOM_AUTH_SECRET", "handlers-test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	props := property.NewInMemory()
	if err := props.Put(context.Background(), property.Record{
		CaseNo: "250179",
		Fields: map[string]string{
			"recommendation": "REVIEW",
			"max_bid":        "185000",
		},
	}); err != nil {
		t.Fatalf("seed property: %v", err)
	}

	hub := stream.NewHub()
	coord := collab.New(props, hub)
	api := New(ReadyProbe{}, "test", coord, hub, props)
	// Keep the limiter out of the way; its behavior has its own tests.
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, props: props}
}

func (e *testEnv) token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/auth/token", "", map[string]any{
		"user":  user,
		"roles": roles,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token request: status %d body %s", resp.StatusCode, body)
	}
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		t.Fatalf("decode token response: %v", err)
	}
	return tr.Token
}

func (e *testEnv) do(t *testing.T, method, path, token string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, body []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(body, &v); err != nil {
		t.Fatalf("decode %T: %v (body %s)", v, err, body)
	}
	return v
}

// streamEvents opens the SSE feed and forwards decoded events until the
// context ends.
func (e *testEnv) streamEvents(t *testing.T, ctx context.Context, sessionID, token string) <-chan collab.Event {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.srv.URL+"/v1/sessions/"+sessionID+"/stream", nil)
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("stream status: %d", resp.StatusCode)
	}

	out := make(chan collab.Event, 32)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev collab.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
				continue
			}
			out <- ev
		}
	}()
	return out
}

func waitEvent(t *testing.T, events <-chan collab.Event, want collab.EventType) collab.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", want)
			}
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestPublicEndpointsNeedNoToken(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info", "/openapi.yaml", "/metrics"} {
		resp, _ := e.do(t, http.MethodGet, path, "", nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d", path, resp.StatusCode)
		}
	}
}

func TestSessionsRequireToken(t *testing.T) {
	e := newTestEnv(t)

	resp, _ := e.do(t, http.MethodGet, "/v1/sessions/auction-42/members", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); !strings.Contains(got, "Bearer") {
		t.Fatalf("missing WWW-Authenticate header, got %q", got)
	}
}

func TestJoinMembersLeaveLifecycle(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	bob := e.token(t, "bob", auth.RoleViewer)
	const session = "auction-2025-12-18"

	resp, body := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("join: status %d body %s", resp.StatusCode, body)
	}
	snap := decode[collab.Snapshot](t, body)
	if len(snap.Members) != 1 || snap.Members[0].ID != "alice" {
		t.Fatalf("unexpected snapshot after first join: %+v", snap)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", bob, joinRequest{Name: "Bob"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second join: status %d body %s", resp.StatusCode, body)
	}

	resp, body = e.do(t, http.MethodGet, "/v1/sessions/"+session+"/members", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("members: status %d", resp.StatusCode)
	}
	snap = decode[collab.Snapshot](t, body)
	if len(snap.Members) != 2 || snap.Members[0].ID != "alice" || snap.Members[1].ID != "bob" {
		t.Fatalf("members not in join order: %+v", snap.Members)
	}

	if resp, _ = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/heartbeat", alice, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}

	if resp, _ = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/leave", alice, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("leave: status %d", resp.StatusCode)
	}
	if resp, _ = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/leave", bob, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second leave: status %d", resp.StatusCode)
	}

	// Session torn down once empty.
	resp, _ = e.do(t, http.MethodGet, "/v1/sessions/"+session+"/members", bob, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after teardown, got %d", resp.StatusCode)
	}
}

func TestHeartbeatUnknownParticipant(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	ghost := e.token(t, "ghost", auth.RoleViewer)
	const session = "auction-7"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})

	resp, _ := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/heartbeat", ghost, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown participant, got %d", resp.StatusCode)
	}
}

func TestLockLifecycleOverHTTP(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	bob := e.token(t, "bob", auth.RoleAnalyst)
	const session = "auction-locks"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})
	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", bob, joinRequest{Name: "Bob"})

	resp, body := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/acquire", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: status %d body %s", resp.StatusCode, body)
	}
	ar := decode[acquireResponse](t, body)
	if !ar.Acquired || ar.Lock == nil || ar.Lock.Holder != "alice" {
		t.Fatalf("unexpected acquire response: %+v", ar)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/acquire", bob, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("competing acquire: status %d", resp.StatusCode)
	}
	if ar = decode[acquireResponse](t, body); ar.Acquired {
		t.Fatal("competing acquire should be refused")
	}

	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/release", bob, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("non-holder release: status %d", resp.StatusCode)
	}
	if rr := decode[releaseResponse](t, body); rr.Released {
		t.Fatal("non-holder must not release the lock")
	}

	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/release", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("holder release: status %d", resp.StatusCode)
	}
	if rr := decode[releaseResponse](t, body); !rr.Released {
		t.Fatal("holder release should succeed")
	}
}

func TestViewerCannotAcquireLock(t *testing.T) {
	e := newTestEnv(t)
	carol := e.token(t, "carol", auth.RoleViewer)
	const session = "auction-rbac"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", carol, joinRequest{Name: "Carol"})

	resp, _ := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/acquire", carol, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for viewer, got %d", resp.StatusCode)
	}
}

func TestMutationRequiresLock(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	const session = "auction-nolock"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})

	resp, _ := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/mutations", alice, mutationRequest{
		ResourceID: "250179",
		Field:      "recommendation",
		NewValue:   "BID",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without lock, got %d", resp.StatusCode)
	}

	// Store untouched.
	rec, err := e.props.Get(context.Background(), "250179")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Fields["recommendation"] != "REVIEW" {
		t.Fatalf("store mutated without a lock: %+v", rec.Fields)
	}
}

func TestMutationFansOutToSubscribers(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	carol := e.token(t, "carol", auth.RoleViewer)
	const session = "auction-stream"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})
	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", carol, joinRequest{Name: "Carol"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.streamEvents(t, ctx, session, carol)

	resp, body := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/acquire", alice, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("acquire: status %d body %s", resp.StatusCode, body)
	}
	granted := waitEvent(t, events, collab.EventLockGranted)
	if granted.Actor != "alice" || granted.ResourceID != "250179" {
		t.Fatalf("unexpected lock_granted: %+v", granted)
	}

	resp, body = e.do(t, http.MethodPost, "/v1/sessions/"+session+"/mutations", alice, mutationRequest{
		ResourceID: "250179",
		Field:      "recommendation",
		NewValue:   "BID",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("mutation: status %d body %s", resp.StatusCode, body)
	}
	returned := decode[collab.Event](t, body)
	if returned.OldValue != "REVIEW" || returned.NewValue != "BID" {
		t.Fatalf("unexpected mutation event: %+v", returned)
	}

	got := waitEvent(t, events, collab.EventMutation)
	if got.ID != returned.ID || got.Field != "recommendation" || got.OldValue != "REVIEW" || got.NewValue != "BID" {
		t.Fatalf("streamed event differs: %+v vs %+v", got, returned)
	}

	// Durable write happened before the broadcast.
	resp, body = e.do(t, http.MethodGet, "/v1/properties/250179", carol, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get property: status %d", resp.StatusCode)
	}
	rec := decode[property.Record](t, body)
	if rec.Fields["recommendation"] != "BID" {
		t.Fatalf("property not persisted: %+v", rec.Fields)
	}
}

func TestActorDoesNotReceiveOwnEvents(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	const session = "auction-self"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := e.streamEvents(t, ctx, session, alice)

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/250179/acquire", alice, nil)

	select {
	case ev := <-events:
		t.Fatalf("actor received own event: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestMutateUnknownCase(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)
	const session = "auction-missing"

	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/join", alice, joinRequest{Name: "Alice"})
	e.do(t, http.MethodPost, "/v1/sessions/"+session+"/locks/999999/acquire", alice, nil)

	resp, _ := e.do(t, http.MethodPost, "/v1/sessions/"+session+"/mutations", alice, mutationRequest{
		ResourceID: "999999",
		Field:      "notes",
		NewValue:   "x",
	})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown case, got %d", resp.StatusCode)
	}
}

func TestPropertyEndpoints(t *testing.T) {
	e := newTestEnv(t)
	carol := e.token(t, "carol", auth.RoleViewer)

	resp, body := e.do(t, http.MethodGet, "/v1/properties", carol, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var list struct {
		Properties []property.Record `json:"properties"`
		Count      int               `json:"count"`
	}
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if list.Count != 1 || list.Properties[0].CaseNo != "250179" {
		t.Fatalf("unexpected list: %+v", list)
	}

	resp, _ = e.do(t, http.MethodGet, "/v1/properties/999999", carol, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown case: status %d", resp.StatusCode)
	}
}

func TestTokenEndpointValidation(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name    string
		payload map[string]any
		status  int
	}{
		{"missing user", map[string]any{"roles": []string{"viewer"}}, http.StatusBadRequest},
		{"unknown role", map[string]any{"user": "x", "roles": []string{"admin"}}, http.StatusBadRequest},
		{"ttl too long", map[string]any{"user": "x", "ttl_minutes": 10000}, http.StatusBadRequest},
		{"defaults to viewer", map[string]any{"user": "x"}, http.StatusOK},
	}
	for _, tc := range cases {
		resp, body := e.do(t, http.MethodPost, "/v1/auth/token", "", tc.payload)
		if resp.StatusCode != tc.status {
			t.Errorf("%s: status %d body %s", tc.name, resp.StatusCode, body)
		}
	}
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)

	resp, _ := e.do(t, http.MethodGet, "/v1/sessions/s1/join", alice, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
	if allow := resp.Header.Get("Allow"); !strings.Contains(allow, http.MethodPost) {
		t.Fatalf("Allow header missing POST: %q", allow)
	}
}

func TestRejectsUnknownJSONFields(t *testing.T) {
	e := newTestEnv(t)
	alice := e.token(t, "alice", auth.RoleAnalyst)

	resp, body := e.do(t, http.MethodPost, "/v1/sessions/s1/join", alice, map[string]any{
		"name":      "Alice",
		"expertise": "max",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d body %s", resp.StatusCode, body)
	}
}

func TestInfoExposesLockTTL(t *testing.T) {
	e := newTestEnv(t)

	resp, body := e.do(t, http.MethodGet, "/v1/info", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("info: status %d", resp.StatusCode)
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		t.Fatal(err)
	}
	if info["lock_ttl"] != "5m0s" {
		t.Fatalf("unexpected lock_ttl: %v", info["lock_ttl"])
	}
}
