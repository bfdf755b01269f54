package document

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/notesync/internal/core/crdt"
	"github.com/zeusync/notesync/internal/core/events/bus"
	"github.com/zeusync/notesync/internal/core/observability/log"
	"github.com/zeusync/notesync/internal/core/storage"
)

func newDoc(t *testing.T, replica crdt.ReplicaID, journal storage.Store) *Document {
	t.Helper()
	events := bus.New()
	t.Cleanup(func() { _ = events.Close() })
	if journal == nil {
		journal = storage.NewMemoryStore()
	}
	return New(Config{Replica: replica, Author: string(replica)}, journal, events, log.NewNop())
}

// exchange runs one full anti-entropy round in both directions
func exchange(ctx context.Context, a, b *Document) {
	b.Merge(ctx, a.OpsSince(b.Version()))
	a.Merge(ctx, b.OpsSince(a.Version()))
}

func contents(t *testing.T, d *Document, company, board string) []string {
	t.Helper()
	notes, err := d.Notes(company, board)
	require.NoError(t, err)
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.Content
	}
	return out
}

func TestScenarioIndependentSameKeys(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)

	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "Sprint1"))
	_, err := x.AddNote(ctx, "Acme", "Sprint1", "fix bug")
	require.NoError(t, err)

	require.NoError(t, y.AddCompany(ctx, "Acme"))
	require.NoError(t, y.AddBoard(ctx, "Acme", "Sprint1"))
	_, err = y.AddNote(ctx, "Acme", "Sprint1", "write tests")
	require.NoError(t, err)

	exchange(ctx, x, y)

	for _, d := range []*Document{x, y} {
		assert.Equal(t, []string{"Acme"}, d.Companies())
		boards, err := d.Boards("Acme")
		require.NoError(t, err)
		assert.Equal(t, []string{"Sprint1"}, boards)
		assert.ElementsMatch(t, []string{"fix bug", "write tests"}, contents(t, d, "Acme", "Sprint1"))
	}
	assert.Equal(t, contents(t, x, "Acme", "Sprint1"), contents(t, y, "Acme", "Sprint1"))
	assert.Equal(t, x.Version(), y.Version())
}

func TestAddWinsOverConcurrentRemove(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)

	require.NoError(t, x.AddCompany(ctx, "Acme"))
	exchange(ctx, x, y)

	require.NoError(t, y.RemoveCompany(ctx, "Acme"))
	require.NoError(t, x.AddCompany(ctx, "Acme"))
	exchange(ctx, x, y)

	assert.Equal(t, []string{"Acme"}, x.Companies())
	assert.Equal(t, []string{"Acme"}, y.Companies())
}

func TestDeleteWinsOverConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)

	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "Sprint1"))
	p, err := x.AddNote(ctx, "Acme", "Sprint1", "v1")
	require.NoError(t, err)
	_, err = x.AddNote(ctx, "Acme", "Sprint1", "keep")
	require.NoError(t, err)
	exchange(ctx, x, y)

	_, err = x.UpdateNote(ctx, "Acme", "Sprint1", p, "v2")
	require.NoError(t, err)
	require.NoError(t, y.DeleteNote(ctx, "Acme", "Sprint1", p))
	exchange(ctx, x, y)

	assert.Equal(t, []string{"keep"}, contents(t, x, "Acme", "Sprint1"))
	assert.Equal(t, []string{"keep"}, contents(t, y, "Acme", "Sprint1"))
}

func TestOrderingDeterminism(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)

	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "Sprint1"))
	anchor, err := x.AddNote(ctx, "Acme", "Sprint1", "anchor")
	require.NoError(t, err)
	exchange(ctx, x, y)

	_, err = x.InsertNoteAfter(ctx, "Acme", "Sprint1", anchor, "from x")
	require.NoError(t, err)
	_, err = y.InsertNoteAfter(ctx, "Acme", "Sprint1", anchor, "from y")
	require.NoError(t, err)
	exchange(ctx, x, y)

	got := contents(t, x, "Acme", "Sprint1")
	assert.Equal(t, got, contents(t, y, "Acme", "Sprint1"))
	assert.Equal(t, "anchor", got[0])
	assert.ElementsMatch(t, []string{"from x", "from y"}, got[1:])
}

func TestMergeIsIdempotentAndCommutative(t *testing.T) {
	ctx := context.Background()
	x := newDoc(t, "x", nil)
	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "B"))
	p, err := x.AddNote(ctx, "Acme", "B", "one")
	require.NoError(t, err)
	_, err = x.AddNote(ctx, "Acme", "B", "two")
	require.NoError(t, err)
	require.NoError(t, x.DeleteNote(ctx, "Acme", "B", p))

	ops := x.OpsSince(crdt.NewVersionVector())
	reversed := make([]crdt.Operation, len(ops))
	for i, op := range ops {
		reversed[len(ops)-1-i] = op
	}

	forward, backward := newDoc(t, "f", nil), newDoc(t, "b", nil)
	assert.Equal(t, len(ops), forward.Merge(ctx, ops))
	assert.Zero(t, forward.Merge(ctx, ops), "duplicates are ignored")
	for _, op := range reversed {
		backward.Merge(ctx, []crdt.Operation{op})
	}

	for _, d := range []*Document{forward, backward} {
		assert.Equal(t, []string{"two"}, contents(t, d, "Acme", "B"))
		assert.Equal(t, x.Version(), d.Version())
	}
}

func TestMergeDropsMalformedOperations(t *testing.T) {
	ctx := context.Background()
	d := newDoc(t, "x", nil)

	n := d.Merge(ctx, []crdt.Operation{
		{ID: crdt.OpID{Seq: 1, Replica: "z"}, Kind: crdt.OpAddKey},
		{ID: crdt.OpID{Seq: 2, Replica: "z"}, Kind: crdt.OpAddKey, Key: "Acme"},
		{Kind: crdt.OpAddKey, Key: "Ghost"},
	})
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"Acme"}, d.Companies())
	assert.Equal(t, uint64(2), d.Version().Get("z"))
}

func TestRemoteOpsBeforeTheirParents(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)
	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "B"))
	_, err := x.AddNote(ctx, "Acme", "B", "early")
	require.NoError(t, err)

	ops := x.OpsSince(crdt.NewVersionVector())
	require.Len(t, ops, 3)
	y.Merge(ctx, ops[2:])
	assert.Empty(t, y.Companies())
	y.Merge(ctx, ops[:2])
	assert.Equal(t, []string{"early"}, contents(t, y, "Acme", "B"))
}

func TestInvalidReferences(t *testing.T) {
	ctx := context.Background()
	d := newDoc(t, "x", nil)

	assert.ErrorIs(t, d.AddBoard(ctx, "Nope", "B"), crdt.ErrInvalidReference)
	_, err := d.AddNote(ctx, "Nope", "B", "x")
	assert.ErrorIs(t, err, crdt.ErrInvalidReference)
	_, err = d.Boards("Nope")
	assert.ErrorIs(t, err, crdt.ErrInvalidReference)
	assert.ErrorIs(t, d.AddCompany(ctx, ""), ErrEmptyName)

	require.NoError(t, d.AddCompany(ctx, "Acme"))
	require.NoError(t, d.AddBoard(ctx, "Acme", "B"))
	p, err := d.AddNote(ctx, "Acme", "B", "x")
	require.NoError(t, err)
	require.NoError(t, d.DeleteNote(ctx, "Acme", "B", p))
	assert.ErrorIs(t, d.DeleteNote(ctx, "Acme", "B", p), crdt.ErrInvalidReference)
	_, err = d.UpdateNote(ctx, "Acme", "B", p, "y")
	assert.ErrorIs(t, err, crdt.ErrInvalidReference)
	_, err = d.InsertNoteAfter(ctx, "Acme", "B", p, "y")
	assert.ErrorIs(t, err, crdt.ErrInvalidReference)

	assert.Equal(t, uint64(4), d.Version().Get("x"), "rejected commands consume no ids")
}

func TestRemoveCascades(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)
	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "B1"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "B2"))
	_, err := x.AddNote(ctx, "Acme", "B1", "n1")
	require.NoError(t, err)
	exchange(ctx, x, y)

	require.NoError(t, x.RemoveBoard(ctx, "Acme", "B2"))
	boards, err := x.Boards("Acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"B1"}, boards)

	require.NoError(t, x.RemoveCompany(ctx, "Acme"))
	assert.Empty(t, x.Companies())
	exchange(ctx, x, y)
	assert.Empty(t, y.Companies())

	// re-adding the company does not resurrect removed content
	require.NoError(t, y.AddCompany(ctx, "Acme"))
	boards, err = y.Boards("Acme")
	require.NoError(t, err)
	assert.Empty(t, boards)
}

func TestStorageFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	journal := storage.NewMemoryStore()
	d := newDoc(t, "x", journal)
	require.NoError(t, d.AddCompany(ctx, "Acme"))
	version := d.Version()

	journal.FailAppends(errors.New("disk full"))
	err := d.AddCompany(ctx, "Globex")
	assert.ErrorIs(t, err, ErrStorageFailure)
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []string{"Acme"}, d.Companies())
	assert.Equal(t, version, d.Version())

	journal.FailAppends(nil)
	require.NoError(t, d.AddCompany(ctx, "Globex"))
	assert.Equal(t, uint64(2), d.Version().Get("x"), "the failed command's id is reused")
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	open := func() (*Document, *storage.FileStore) {
		store, err := storage.OpenFileStore(storage.DefaultConfig(dir), log.NewNop())
		require.NoError(t, err)
		d := newDoc(t, "", store)
		require.NoError(t, d.Load(ctx))
		return d, store
	}

	d, store := open()
	require.NoError(t, d.AddCompany(ctx, "Acme"))
	require.NoError(t, d.AddBoard(ctx, "Acme", "B"))
	first, err := d.AddNote(ctx, "Acme", "B", "first")
	require.NoError(t, err)
	require.NoError(t, d.Compact(ctx))
	assert.Zero(t, d.JournalSize())

	_, err = d.UpdateNote(ctx, "Acme", "B", first, "first v2")
	require.NoError(t, err)
	_, err = d.InsertNoteAfter(ctx, "Acme", "B", nil, "zeroth")
	require.NoError(t, err)
	want := contents(t, d, "Acme", "B")
	wantVersion := d.Version()
	require.NoError(t, store.Close())

	restarted, store := open()
	defer store.Close()
	assert.Equal(t, want, contents(t, restarted, "Acme", "B"))
	assert.Equal(t, wantVersion, restarted.Version())
	assert.NotEqual(t, d.Replica(), restarted.Replica())

	// history survives compaction and restart, so a fresh peer still gets everything
	peer := newDoc(t, "peer", nil)
	peer.Merge(ctx, restarted.OpsSince(peer.Version()))
	assert.Equal(t, want, contents(t, peer, "Acme", "B"))
}

func TestReplayResumesOwnClock(t *testing.T) {
	ctx := context.Background()
	journal := storage.NewMemoryStore()
	d := newDoc(t, "x", journal)
	require.NoError(t, d.AddCompany(ctx, "Acme"))
	require.NoError(t, d.AddCompany(ctx, "Globex"))

	again := newDoc(t, "x", journal)
	require.NoError(t, again.Load(ctx))
	require.NoError(t, again.AddCompany(ctx, "Initech"))
	assert.Equal(t, uint64(3), again.Version().Get("x"))
}

func TestSubscribeReceivesSnapshotThenDiffs(t *testing.T) {
	ctx := context.Background()
	d := newDoc(t, "x", nil)
	require.NoError(t, d.AddCompany(ctx, "Acme"))
	require.NoError(t, d.AddBoard(ctx, "Acme", "B"))

	got := make(chan bus.Notification, 16)
	_, err := d.Subscribe([]string{"Acme", "B"}, func(n bus.Notification) error {
		got <- n
		return nil
	})
	require.NoError(t, err)

	next := func() bus.Notification {
		select {
		case n := <-got:
			return n
		case <-time.After(time.Second):
			t.Fatal("no notification")
			return bus.Notification{}
		}
	}

	initial := next()
	assert.True(t, initial.Initial)
	require.Len(t, initial.Events, 1)
	assert.Equal(t, bus.KeyAdded, initial.Events[0].Kind)
	assert.Equal(t, "B", initial.Events[0].Detail.Key)

	p, err := d.AddNote(ctx, "Acme", "B", "hello")
	require.NoError(t, err)
	n := next()
	require.Len(t, n.Events, 1)
	assert.Equal(t, bus.ElementAdded, n.Events[0].Kind)
	assert.Equal(t, "hello", n.Events[0].Detail.Content)
	assert.Equal(t, "x", n.Events[0].Detail.Author)
	assert.Equal(t, p.String(), n.Events[0].Detail.Position)

	// an update is one notification with a removal and an addition
	_, err = d.UpdateNote(ctx, "Acme", "B", p, "hello v2")
	require.NoError(t, err)
	n = next()
	require.Len(t, n.Events, 2)
	assert.Equal(t, bus.ElementRemoved, n.Events[0].Kind)
	assert.Equal(t, bus.ElementAdded, n.Events[1].Kind)
	assert.Equal(t, 0, n.Events[1].Detail.Index)

	// changes elsewhere are not delivered
	require.NoError(t, d.AddCompany(ctx, "Globex"))
	require.NoError(t, d.RemoveCompany(ctx, "Acme"))
	n = next()
	kinds := make([]bus.Kind, len(n.Events))
	for i, e := range n.Events {
		kinds[i] = e.Kind
	}
	assert.Equal(t, []bus.Kind{bus.KeyRemoved, bus.ElementRemoved}, kinds)
}

func TestMergedBatchIsOneNotification(t *testing.T) {
	ctx := context.Background()
	x, y := newDoc(t, "x", nil), newDoc(t, "y", nil)
	require.NoError(t, x.AddCompany(ctx, "Acme"))
	require.NoError(t, x.AddBoard(ctx, "Acme", "B"))
	for _, c := range []string{"a", "b", "c"} {
		_, err := x.AddNote(ctx, "Acme", "B", c)
		require.NoError(t, err)
	}

	got := make(chan bus.Notification, 16)
	_, err := y.Subscribe(nil, func(n bus.Notification) error {
		got <- n
		return nil
	})
	require.NoError(t, err)

	commits := 0
	y.OnCommit(func() { commits++ })
	y.Merge(ctx, x.OpsSince(y.Version()))
	assert.Equal(t, 1, commits)

	<-got // initial, empty
	select {
	case n := <-got:
		assert.Equal(t, "remote", n.Source)
		assert.Len(t, n.Events, 5)
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}
