package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/notesync/internal/config"
	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/replica"
)

func newReplica(t *testing.T, id string) *replica.Replica {
	t.Helper()
	cfg := config.Default()
	cfg.Replica.ID = id
	cfg.Storage.Dir = t.TempDir()
	cfg.Storage.Sync = false
	cfg.Replica.Author = id
	cfg.Sync.AntiEntropyInterval = 50 * time.Millisecond
	cfg.Sync.BackoffInitial = 10 * time.Millisecond
	cfg.Sync.BackoffMax = 50 * time.Millisecond

	r, err := replica.Open(cfg, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func newTestServer(t *testing.T, r Replica, config Config) *httptest.Server {
	t.Helper()
	srv := NewServer(r, config, log.NewNop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return ts
}

type client struct {
	t     *testing.T
	base  string
	token string
}

func (c client) do(method, path string, body any) (int, []byte) {
	c.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	require.NoError(c.t, err)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, buf.Bytes()
}

func (c client) notes(path string) []NoteResponse {
	c.t.Helper()
	status, body := c.do(http.MethodGet, path, nil)
	require.Equal(c.t, http.StatusOK, status, string(body))
	var resp NotesResponse
	require.NoError(c.t, json.Unmarshal(body, &resp))
	return resp.Notes
}

func contentsOf(notes []NoteResponse) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.Content
	}
	return out
}

func TestNotesAPI(t *testing.T) {
	ts := newTestServer(t, newReplica(t, "x"), DefaultServerConfig())
	c := client{t: t, base: ts.URL}
	const notesPath = "/companies/Acme/boards/Sprint1/notes"

	status, _ := c.do(http.MethodPost, "/companies", NameRequest{Name: "Acme"})
	require.Equal(t, http.StatusCreated, status)
	status, _ = c.do(http.MethodPost, "/companies/Acme/boards", NameRequest{Name: "Sprint1"})
	require.Equal(t, http.StatusCreated, status)

	status, body := c.do(http.MethodGet, "/companies", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"names":["Acme"]}`, string(body))

	status, body = c.do(http.MethodPost, notesPath, NoteRequest{Content: "second"})
	require.Equal(t, http.StatusCreated, status)
	var second PositionResponse
	require.NoError(t, json.Unmarshal(body, &second))

	start := "start"
	status, _ = c.do(http.MethodPost, notesPath, NoteRequest{Content: "first", After: &start})
	require.Equal(t, http.StatusCreated, status)
	status, _ = c.do(http.MethodPost, notesPath, NoteRequest{Content: "third", After: &second.Position})
	require.Equal(t, http.StatusCreated, status)

	assert.Equal(t, []string{"first", "second", "third"}, contentsOf(c.notes(notesPath)))

	status, body = c.do(http.MethodPut, notesPath+"/"+second.Position, NoteRequest{Content: "second, edited"})
	require.Equal(t, http.StatusOK, status, string(body))
	var updated PositionResponse
	require.NoError(t, json.Unmarshal(body, &updated))
	assert.NotEqual(t, second.Position, updated.Position)

	notes := c.notes(notesPath)
	assert.Equal(t, []string{"first", "second, edited", "third"}, contentsOf(notes))
	assert.Equal(t, "x", notes[0].Author)

	status, _ = c.do(http.MethodDelete, notesPath+"/"+notes[0].Position, nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, []string{"second, edited", "third"}, contentsOf(c.notes(notesPath)))

	// the old position was replaced by the update
	status, _ = c.do(http.MethodDelete, notesPath+"/"+second.Position, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = c.do(http.MethodDelete, "/companies/Acme/boards/Sprint1", nil)
	require.Equal(t, http.StatusNoContent, status)
	status, _ = c.do(http.MethodGet, notesPath, nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = c.do(http.MethodDelete, "/companies/Acme", nil)
	require.Equal(t, http.StatusNoContent, status)
	status, body = c.do(http.MethodGet, "/companies", nil)
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"names":[]}`, string(body))
}

func TestNotesAPIErrors(t *testing.T) {
	ts := newTestServer(t, newReplica(t, "x"), DefaultServerConfig())
	c := client{t: t, base: ts.URL}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"empty company name", http.MethodPost, "/companies", NameRequest{}, http.StatusBadRequest},
		{"board under unknown company", http.MethodPost, "/companies/Nope/boards", NameRequest{Name: "b"}, http.StatusNotFound},
		{"boards of unknown company", http.MethodGet, "/companies/Nope/boards", nil, http.StatusNotFound},
		{"notes of unknown board", http.MethodGet, "/companies/Nope/boards/b/notes", nil, http.StatusNotFound},
		{"bad position", http.MethodDelete, "/companies/Nope/boards/b/notes/garbage", nil, http.StatusNotFound},
		{"remove unknown company", http.MethodDelete, "/companies/Nope", nil, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := c.do(tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, status, string(body))
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(body, &resp))
			assert.NotEmpty(t, resp.Error)
		})
	}

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/companies", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthMiddleware(t *testing.T) {
	config := DefaultServerConfig()
	config.Token = "supersecrettoken"
	ts := newTestServer(t, newReplica(t, "x"), config)

	status, _ := client{t: t, base: ts.URL}.do(http.MethodGet, "/companies", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = client{t: t, base: ts.URL, token: "invalid"}.do(http.MethodGet, "/companies", nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = client{t: t, base: ts.URL, token: "supersecrettoken"}.do(http.MethodGet, "/companies", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = client{t: t, base: ts.URL}.do(http.MethodGet, "/companies?token=supersecrettoken", nil)
	assert.Equal(t, http.StatusOK, status)

	// health stays open for probes
	status, _ = client{t: t, base: ts.URL}.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSyncOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := newReplica(t, "server")
	ts := newTestServer(t, server, DefaultServerConfig())
	require.NoError(t, server.AddCompany(ctx, "Acme"))

	peer := newReplica(t, "peer")
	require.NoError(t, peer.AddCompany(ctx, "Globex"))
	go func() { _ = peer.Connect(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/sync") }()

	require.Eventually(t, func() bool {
		return server.Version().Compare(peer.Version()) == crdt.Equal
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Acme", "Globex"}, server.ListCompanies())
	assert.Equal(t, []string{"Acme", "Globex"}, peer.ListCompanies())

	status, body := client{t: t, base: ts.URL}.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, status)
	var st StatusResponse
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, crdt.ReplicaID("server"), st.Replica)
	assert.Equal(t, uint64(1), st.Version.Get("peer"))
}

func TestEventStream(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, "x")
	ts := newTestServer(t, r, DefaultServerConfig())
	require.NoError(t, r.AddCompany(ctx, "Acme"))

	conn, _, err := gorilla.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/events?path=Acme", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial bus.Notification
	require.NoError(t, conn.ReadJSON(&initial))
	assert.True(t, initial.Initial)

	require.NoError(t, r.AddBoard(ctx, "Acme", "Sprint1"))
	require.NoError(t, r.AddCompany(ctx, "Globex"))
	_, err = r.AddNote(ctx, "Acme", "Sprint1", "hello")
	require.NoError(t, err)

	var board bus.Notification
	require.NoError(t, conn.ReadJSON(&board))
	require.Len(t, board.Events, 1)
	assert.Equal(t, bus.KeyAdded, board.Events[0].Kind)
	assert.Equal(t, "Sprint1", board.Events[0].Detail.Key)

	// Globex is outside the subscribed path
	var note bus.Notification
	require.NoError(t, conn.ReadJSON(&note))
	require.Len(t, note.Events, 1)
	assert.Equal(t, bus.ElementAdded, note.Events[0].Kind)
	assert.Equal(t, "hello", note.Events[0].Detail.Content)
}

func TestEventStreamPathSegments(t *testing.T) {
	ctx := context.Background()
	r := newReplica(t, "x")
	ts := newTestServer(t, r, DefaultServerConfig())
	require.NoError(t, r.AddCompany(ctx, "R&D/EU"))
	require.NoError(t, r.AddBoard(ctx, "R&D/EU", "Q1"))
	require.NoError(t, r.AddBoard(ctx, "R&D/EU", "Q2"))

	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/events?"
	query := url.Values{"path": {"R&D/EU", "Q1"}}
	conn, _, err := gorilla.DefaultDialer.Dial(base+query.Encode(), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var initial bus.Notification
	require.NoError(t, conn.ReadJSON(&initial))
	assert.True(t, initial.Initial)

	_, err = r.AddNote(ctx, "R&D/EU", "Q2", "elsewhere")
	require.NoError(t, err)
	_, err = r.AddNote(ctx, "R&D/EU", "Q1", "here")
	require.NoError(t, err)

	var note bus.Notification
	require.NoError(t, conn.ReadJSON(&note))
	require.Len(t, note.Events, 1)
	assert.Equal(t, []string{"R&D/EU", "Q1"}, note.Events[0].Path)
	assert.Equal(t, "here", note.Events[0].Detail.Content)

	_, resp, err := gorilla.DefaultDialer.Dial(base+"path=", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
