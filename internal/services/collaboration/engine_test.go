package collaboration

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabdocs/internal/models"
	"collabdocs/internal/repository"
	"collabdocs/internal/services/documents"
)

// fakeConn is an in-memory stand-in for a websocket connection that
// records everything enqueued to it.
type fakeConn struct {
	id string

	mu     sync.Mutex
	msgs   [][]byte
	full   bool
	closed bool
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full || c.closed {
		return false
	}
	dup := make([]byte, len(msg))
	copy(dup, msg)
	c.msgs = append(c.msgs, dup)
	return true
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// events decodes every recorded message into a generic map.
func (c *fakeConn) events(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]map[string]any, 0, len(c.msgs))
	for _, raw := range c.msgs {
		var m map[string]any
		require.NoError(t, json.Unmarshal(raw, &m))
		out = append(out, m)
	}
	return out
}

func (c *fakeConn) eventsOfType(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, ev := range c.events(t) {
		if ev["type"] == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = nil
}

type engineFixture struct {
	engine *Engine
	store  *documents.Store
	hub    *Hub
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	repo, err := repository.NewMemoryRepository()
	require.NoError(t, err)
	return newEngineFixtureWithRepo(repo)
}

func newEngineFixtureWithRepo(repo documents.Repository) *engineFixture {
	store := documents.NewStore(repo)
	hub := NewHub()
	return &engineFixture{
		engine: NewEngine(store, NewRegistry(), hub),
		store:  store,
		hub:    hub,
	}
}

func (f *engineFixture) join(t *testing.T, conn Conn, documentID, userName string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":       models.EventJoin,
		"documentId": documentID,
		"userName":   userName,
	})
	require.NoError(t, err)
	f.engine.HandleMessage(context.Background(), conn, raw)
}

func (f *engineFixture) textChange(t *testing.T, conn Conn, documentID, rawDelta, content string) {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"type":       models.EventTextChange,
		"documentId": documentID,
		"delta":      json.RawMessage(rawDelta),
		"source":     "user",
		"content":    content,
	})
	require.NoError(t, err)
	f.engine.HandleMessage(context.Background(), conn, raw)
}

func TestJoinLazilyCreatesDocument(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")

	f.join(t, a, "doc-1", "Alice")

	loaded := a.eventsOfType(t, "document-loaded")
	require.Len(t, loaded, 1)
	assert.Equal(t, "doc-1", loaded[0]["documentId"])
	assert.Equal(t, "", loaded[0]["content"])
	assert.Empty(t, loaded[0]["deltas"])

	lists := a.eventsOfType(t, "user-list")
	require.Len(t, lists, 1)
	assert.Equal(t, map[string]any{"conn-a": "Alice"}, lists[0]["users"])

	// The joiner does not see its own user-joined notification.
	assert.Empty(t, a.eventsOfType(t, "user-joined"))

	doc, err := f.store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conn-a": "Alice"}, doc.Users)
}

func TestTextChangeUpdatesStoreAndSuppressesEcho(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-1", "Bob")
	a.reset()
	b.reset()

	f.textChange(t, a, "doc-1", `{"ops":[{"insert":"hi"}]}`, "hi")

	doc, err := f.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", doc.Content)
	require.Len(t, doc.Deltas, 1)
	assert.Equal(t, "conn-a", doc.Deltas[0].UserID)
	assert.Equal(t, "Alice", doc.Deltas[0].UserName)

	changes := b.eventsOfType(t, "text-change")
	require.Len(t, changes, 1)
	assert.Equal(t, "conn-a", changes[0]["connectionId"])
	assert.Equal(t, "hi", changes[0]["content"])

	// Echo suppression: the sender never receives its own change back.
	assert.Empty(t, a.eventsOfType(t, "text-change"))
}

func TestJoinExistingDocumentReplaysHistory(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.textChange(t, a, "doc-1", `{"ops":[{"insert":"hi"}]}`, "hi")
	a.reset()

	f.join(t, b, "doc-1", "Bob")

	loaded := b.eventsOfType(t, "document-loaded")
	require.Len(t, loaded, 1)
	assert.Equal(t, "hi", loaded[0]["content"])
	assert.Len(t, loaded[0]["deltas"], 1)

	joined := a.eventsOfType(t, "user-joined")
	require.Len(t, joined, 1)
	assert.Equal(t, "conn-b", joined[0]["connectionId"])
	assert.Equal(t, "Bob", joined[0]["userName"])

	want := map[string]any{"conn-a": "Alice", "conn-b": "Bob"}
	for _, conn := range []*fakeConn{a, b} {
		lists := conn.eventsOfType(t, "user-list")
		require.NotEmpty(t, lists)
		assert.Equal(t, want, lists[len(lists)-1]["users"])
	}
}

func TestTitleChangeBroadcastIncludesSender(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-1", "Bob")
	a.reset()
	b.reset()

	raw, err := json.Marshal(map[string]any{
		"type":       models.EventTitleChange,
		"documentId": "doc-1",
		"title":      "Meeting Notes",
	})
	require.NoError(t, err)
	f.engine.HandleMessage(context.Background(), a, raw)

	for _, conn := range []*fakeConn{a, b} {
		titles := conn.eventsOfType(t, "title-change")
		require.Len(t, titles, 1)
		assert.Equal(t, "Meeting Notes", titles[0]["title"])
	}

	doc, err := f.store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "Meeting Notes", doc.Title)
}

func TestCursorMoveIsEphemeralFanOut(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-1", "Bob")
	a.reset()
	b.reset()

	raw, err := json.Marshal(map[string]any{
		"type":       models.EventCursorMove,
		"documentId": "doc-1",
		"position":   map[string]int{"index": 4, "length": 0},
	})
	require.NoError(t, err)
	f.engine.HandleMessage(context.Background(), a, raw)

	moves := b.eventsOfType(t, "cursor-move")
	require.Len(t, moves, 1)
	assert.Equal(t, "conn-a", moves[0]["connectionId"])
	assert.Empty(t, a.eventsOfType(t, "cursor-move"))

	// Cursors never touch the store.
	doc, err := f.store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, doc.Deltas)
}

func TestDisconnectEmitsSingleUserLeft(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-1", "Bob")
	b.reset()

	f.engine.HandleDisconnect(ctx, a)

	left := b.eventsOfType(t, "user-left")
	require.Len(t, left, 1)
	assert.Equal(t, "conn-a", left[0]["connectionId"])
	assert.Equal(t, "Alice", left[0]["userName"])

	lists := b.eventsOfType(t, "user-list")
	require.Len(t, lists, 1)
	assert.Equal(t, map[string]any{"conn-b": "Bob"}, lists[0]["users"])

	doc, err := f.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conn-b": "Bob"}, doc.Users)

	// A second disconnect for the same connection is a no-op.
	b.reset()
	f.engine.HandleDisconnect(ctx, a)
	assert.Empty(t, b.eventsOfType(t, "user-left"))
}

func TestDisconnectBeforeJoinIsHarmless(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")

	f.engine.HandleDisconnect(context.Background(), a)
	assert.Empty(t, a.events(t))
}

func TestEventBeforeJoinIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")

	f.textChange(t, a, "doc-1", `{"ops":[{"insert":"hi"}]}`, "hi")

	errs := a.eventsOfType(t, "error")
	require.Len(t, errs, 1)

	// Nothing was created or mutated.
	_, err := f.store.Get(context.Background(), "doc-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestEventForOtherDocumentIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")

	f.join(t, a, "doc-1", "Alice")
	a.reset()

	f.textChange(t, a, "doc-2", `{"ops":[{"insert":"hi"}]}`, "hi")

	require.Len(t, a.eventsOfType(t, "error"), 1)
	_, err := f.store.Get(context.Background(), "doc-2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestMalformedEventsAreRejectedWithoutMutation(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")
	ctx := context.Background()

	f.engine.HandleMessage(ctx, a, []byte(`not json`))
	require.Len(t, a.eventsOfType(t, "error"), 1)

	a.reset()
	// join without a document id
	f.engine.HandleMessage(ctx, a, []byte(`{"type":"join","userName":"Alice"}`))
	require.Len(t, a.eventsOfType(t, "error"), 1)
	assert.Equal(t, 0, f.engine.Registry().Len())

	a.reset()
	f.engine.HandleMessage(ctx, a, []byte(`{"type":"no-such-event"}`))
	require.Len(t, a.eventsOfType(t, "error"), 1)
}

func TestInvalidDeltaIsRejected(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")

	f.join(t, a, "doc-1", "Alice")
	a.reset()

	f.textChange(t, a, "doc-1", `{"ops":[]}`, "hi")

	require.Len(t, a.eventsOfType(t, "error"), 1)
	doc, err := f.store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Empty(t, doc.Deltas)
	assert.Empty(t, doc.Content)
}

func TestRejoinToOtherDocumentReleasesOldRoom(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-1", "Bob")
	b.reset()

	f.join(t, a, "doc-2", "Alice")

	// The old room saw a leave and no longer contains A.
	left := b.eventsOfType(t, "user-left")
	require.Len(t, left, 1)
	assert.Equal(t, "conn-a", left[0]["connectionId"])

	docOne, err := f.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conn-b": "Bob"}, docOne.Users)

	// Broadcasts in the old room no longer leak to A.
	a.reset()
	f.textChange(t, b, "doc-1", `{"ops":[{"insert":"x"}]}`, "x")
	assert.Empty(t, a.eventsOfType(t, "text-change"))

	docTwo, err := f.store.Get(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"conn-a": "Alice"}, docTwo.Users)
	assert.Equal(t, 1, f.hub.Members("doc-1"))
	assert.Equal(t, 1, f.hub.Members("doc-2"))
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newEngineFixture(t)
	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")

	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-2", "Bob")
	a.reset()
	b.reset()

	f.textChange(t, a, "doc-1", `{"ops":[{"insert":"one"}]}`, "one")
	f.textChange(t, b, "doc-2", `{"ops":[{"insert":"two"}]}`, "two")

	assert.Empty(t, a.eventsOfType(t, "text-change"))
	assert.Empty(t, b.eventsOfType(t, "text-change"))

	ctx := context.Background()
	docOne, err := f.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	docTwo, err := f.store.Get(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, "one", docOne.Content)
	assert.Equal(t, "two", docTwo.Content)
	assert.Len(t, docOne.Deltas, 1)
	assert.Len(t, docTwo.Deltas, 1)
}

// gatedRepo blocks a single lookup so a test can hold a join open in the
// middle of its snapshot read.
type gatedRepo struct {
	documents.Repository

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (r *gatedRepo) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
	r.entered = make(chan struct{})
	r.release = make(chan struct{})
}

func (r *gatedRepo) FindByID(ctx context.Context, id string) (*models.Document, error) {
	r.mu.Lock()
	armed := r.armed
	r.armed = false
	entered, release := r.entered, r.release
	r.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
	return r.Repository.FindByID(ctx, id)
}

func TestJoinOverlappingEditIsNotLost(t *testing.T) {
	base, err := repository.NewMemoryRepository()
	require.NoError(t, err)
	repo := &gatedRepo{Repository: base}
	f := newEngineFixtureWithRepo(repo)

	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")
	f.join(t, a, "doc-1", "Alice")
	a.reset()

	// Hold B's join open while it is reading the snapshot, then race an
	// edit from A against it.
	repo.arm()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.join(t, b, "doc-1", "Bob")
	}()
	<-repo.entered
	go func() {
		defer wg.Done()
		f.textChange(t, a, "doc-1", `{"ops":[{"insert":"hi"}]}`, "hi")
	}()
	close(repo.release)
	wg.Wait()

	// The edit must reach B exactly once: in the replayed snapshot or as a
	// broadcast, never neither.
	loaded := b.eventsOfType(t, "document-loaded")
	require.Len(t, loaded, 1)
	replayed := 0
	if ds, ok := loaded[0]["deltas"].([]any); ok {
		replayed = len(ds)
	}
	broadcast := len(b.eventsOfType(t, "text-change"))
	assert.Equal(t, 1, replayed+broadcast)

	doc, err := f.store.Get(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "hi", doc.Content)
	assert.Len(t, doc.Deltas, 1)
}

// failingRepo simulates a storage outage on content writes.
type failingRepo struct {
	documents.Repository

	mu   sync.Mutex
	fail bool
}

func (r *failingRepo) setFail(fail bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = fail
}

func (r *failingRepo) UpdateContent(ctx context.Context, id, content string, rec *models.ChangeRecord) error {
	r.mu.Lock()
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return errors.New("storage unavailable")
	}
	return r.Repository.UpdateContent(ctx, id, content, rec)
}

func TestStorageFailureRejectsEditWithoutBroadcast(t *testing.T) {
	base, err := repository.NewMemoryRepository()
	require.NoError(t, err)
	repo := &failingRepo{Repository: base}
	f := newEngineFixtureWithRepo(repo)
	ctx := context.Background()

	a := newFakeConn("conn-a")
	b := newFakeConn("conn-b")
	f.join(t, a, "doc-1", "Alice")
	f.join(t, b, "doc-1", "Bob")
	a.reset()
	b.reset()

	repo.setFail(true)
	f.textChange(t, a, "doc-1", `{"ops":[{"insert":"hi"}]}`, "hi")

	// The sender hears about the failure; nobody else hears anything.
	require.Len(t, a.eventsOfType(t, "error"), 1)
	assert.Empty(t, b.eventsOfType(t, "text-change"))

	doc, err := f.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Empty(t, doc.Content)
	assert.Empty(t, doc.Deltas)

	// Once storage recovers the connection keeps working.
	repo.setFail(false)
	f.textChange(t, a, "doc-1", `{"ops":[{"insert":"hi"}]}`, "hi")
	require.Len(t, b.eventsOfType(t, "text-change"), 1)
}

func TestConcurrentEditsSettleOnAcceptanceOrder(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	conns := make([]*fakeConn, 4)
	for i := range conns {
		conns[i] = newFakeConn("conn-" + string(rune('a'+i)))
		f.join(t, conns[i], "doc-1", "User")
	}

	const editsPerConn = 25
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *fakeConn) {
			defer wg.Done()
			for i := 0; i < editsPerConn; i++ {
				f.textChange(t, conn, "doc-1", `{"ops":[{"insert":"x"}]}`, "x")
			}
		}(conn)
	}
	wg.Wait()

	doc, err := f.store.Get(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, doc.Deltas, len(conns)*editsPerConn)
	assert.Equal(t, "x", doc.Content)
}
