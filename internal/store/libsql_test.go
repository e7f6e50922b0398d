package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/convo/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

var testConv = Conversation{TenantID: "acme", Channel: "whatsapp", ContactID: "+5491100"}

func newRun(conv Conversation, status schema.RunStatus) *Run {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Run{
		ID:           uuid.New().String(),
		GraphID:      "onboarding",
		Conversation: conv,
		Pointer:      "greet",
		Status:       status,
		Context:      json.RawMessage(`{"globals":{},"input":{"text":"hi"},"output":{},"variables":{}}`),
		StartedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    now.Add(time.Hour),
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Migrate(context.Background()))

	var version int
	require.NoError(t, s.DB().QueryRow(`SELECT MAX(version) FROM schema_version`).Scan(&version))
	assert.Equal(t, 1, version)
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun(testConv, schema.RunStatusRunning)
	require.NoError(t, s.CreateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, run.GraphID, got.GraphID)
	assert.Equal(t, testConv, got.Conversation)
	assert.Equal(t, "greet", got.Pointer)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.JSONEq(t, string(run.Context), string(got.Context))
	assert.True(t, run.ExpiresAt.Equal(got.ExpiresAt))
	assert.Nil(t, got.Wait)
	assert.Nil(t, got.CompletedAt)
}

func TestGetRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "missing")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestUpdateRun_WaitAndCompletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun(testConv, schema.RunStatusRunning)
	require.NoError(t, s.CreateRun(ctx, run))

	resumeAt := time.Now().UTC().Add(time.Minute).Truncate(time.Millisecond)
	run.Status = schema.RunStatusWaiting
	run.Pointer = "after-timer"
	run.InteractionCount = 2
	run.Wait = &WaitState{Kind: schema.WaitKindTimer, NodeID: "pause", Token: "tok-1", ResumeAt: &resumeAt}
	run.UpdatedAt = time.Time{}
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusWaiting, got.Status)
	assert.Equal(t, 2, got.InteractionCount)
	require.NotNil(t, got.Wait)
	assert.Equal(t, "tok-1", got.Wait.Token)
	assert.True(t, resumeAt.Equal(*got.Wait.ResumeAt))

	done := time.Now().UTC()
	run.Status = schema.RunStatusCompleted
	run.Pointer = ""
	run.Wait = nil
	run.CompletedAt = &done
	require.NoError(t, s.UpdateRun(ctx, run))

	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "", got.Pointer)
	assert.Nil(t, got.Wait)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateRun_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRun(context.Background(), newRun(testConv, schema.RunStatusRunning))
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestFindActive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.FindActive(ctx, testConv)
	require.NoError(t, err)
	assert.Nil(t, got)

	done := newRun(testConv, schema.RunStatusCompleted)
	require.NoError(t, s.CreateRun(ctx, done))
	got, err = s.FindActive(ctx, testConv)
	require.NoError(t, err)
	assert.Nil(t, got)

	active := newRun(testConv, schema.RunStatusWaiting)
	require.NoError(t, s.CreateRun(ctx, active))
	got, err = s.FindActive(ctx, testConv)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, active.ID, got.ID)

	other := testConv
	other.ContactID = "someone-else"
	got, err = s.FindActive(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCreateRun_SecondActiveRunConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRun(ctx, newRun(testConv, schema.RunStatusRunning)))
	err := s.CreateRun(ctx, newRun(testConv, schema.RunStatusRunning))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	// Terminal runs do not occupy the conversation.
	require.NoError(t, s.CreateRun(ctx, newRun(testConv, schema.RunStatusExpired)))
}

func TestListExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := newRun(testConv, schema.RunStatusWaiting)
	stale.ExpiresAt = now.Add(-time.Minute)
	require.NoError(t, s.CreateRun(ctx, stale))

	conv2 := Conversation{TenantID: "acme", Channel: "sms", ContactID: "1"}
	fresh := newRun(conv2, schema.RunStatusWaiting)
	require.NoError(t, s.CreateRun(ctx, fresh))

	conv3 := Conversation{TenantID: "acme", Channel: "sms", ContactID: "2"}
	finished := newRun(conv3, schema.RunStatusCompleted)
	finished.ExpiresAt = now.Add(-time.Hour)
	require.NoError(t, s.CreateRun(ctx, finished))

	runs, err := s.ListExpired(ctx, now)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, stale.ID, runs[0].ID)
}

func TestListRuns_Filter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := newRun(testConv, schema.RunStatusCompleted)
	b := newRun(testConv, schema.RunStatusRunning)
	c := newRun(Conversation{TenantID: "t", Channel: "c", ContactID: "x"}, schema.RunStatusRunning)
	c.GraphID = "survey"
	for _, r := range []*Run{a, b, c} {
		require.NoError(t, s.CreateRun(ctx, r))
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := s.ListRuns(ctx, RunFilter{Status: schema.RunStatusRunning})
	require.NoError(t, err)
	assert.Len(t, running, 2)

	byGraph, err := s.ListRuns(ctx, RunFilter{GraphID: "survey"})
	require.NoError(t, err)
	require.Len(t, byGraph, 1)
	assert.Equal(t, c.ID, byGraph[0].ID)

	conv := testConv
	byConv, err := s.ListRuns(ctx, RunFilter{Conversation: &conv, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, byConv, 1)
}

func TestGraphs_SaveGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &schema.Graph{
		ID:   "welcome",
		Name: "Welcome",
		Nodes: []schema.Node{
			{ID: "start", Kind: schema.KindTrigger},
			{ID: "hello", Kind: schema.KindSendMessage, Config: json.RawMessage(`{"text":"hi {{input.name}}"}`)},
		},
		Edges: []schema.Edge{{Source: "start", Target: "hello"}},
	}
	require.NoError(t, s.SaveGraph(ctx, g))

	got, err := s.GetGraph(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, "Welcome", got.Name)
	require.Len(t, got.Nodes, 2)
	assert.JSONEq(t, `{"text":"hi {{input.name}}"}`, string(got.Nodes[1].Config))

	g.Version = "2"
	require.NoError(t, s.SaveGraph(ctx, g))
	list, err := s.ListGraphs(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "2", list[0].Version)
	assert.Equal(t, 2, list[0].NodeCount)

	_, err = s.GetGraph(ctx, "nope")
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.SaveGraph(ctx, &schema.Graph{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestRunClone(t *testing.T) {
	at := time.Now()
	r := newRun(testConv, schema.RunStatusWaiting)
	r.Wait = &WaitState{Kind: schema.WaitKindReply, ResumeAt: &at}

	c := r.Clone()
	c.Context[0] = 'X'
	c.Wait.NodeID = "changed"
	assert.Equal(t, byte('{'), r.Context[0])
	assert.Equal(t, "", r.Wait.NodeID)
}
