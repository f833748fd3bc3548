package orchestrator

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/comigor/llmrelay/internal/history"
	"github.com/comigor/llmrelay/internal/llm"
	"github.com/comigor/llmrelay/internal/session"
	"github.com/comigor/llmrelay/internal/snapshot"
)

// chanGateway streams from a producer goroutine that stops when the consumer
// leaves or ctx is cancelled.
type chanGateway struct {
	fragments []string
	reply     string
	err       error
}

func (g *chanGateway) Invoke(_ context.Context, _ llm.Params, _ []history.Message) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *chanGateway) Stream(ctx context.Context, _ llm.Params, _ []history.Message) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if g.err != nil {
			yield("", g.err)
			return
		}
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch := make(chan string)
		go func() {
			defer close(ch)
			for _, f := range g.fragments {
				select {
				case ch <- f:
				case <-ctx.Done():
					return
				}
			}
		}()
		for f := range ch {
			if !yield(f, nil) {
				return
			}
		}
	}
}

type countingPersister struct{ n atomic.Int32 }

func (c *countingPersister) Persist(context.Context) error {
	c.n.Add(1)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	failAt int // content event number that fails; 0 never fails
	onSend func(Event)
	sent   int
}

func (r *recorder) Send(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.Type == EventContent {
		r.sent++
		if r.failAt > 0 && r.sent == r.failAt {
			return errors.New("client disconnected")
		}
	}
	r.events = append(r.events, e)
	if r.onSend != nil {
		r.onSend(e)
	}
	return nil
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

var catalog = session.StaticCatalog{
	"modelA": {Name: "modelA", Streaming: true},
	"modelB": {Name: "modelB", Streaming: true},
}

type fixture struct {
	reg     *session.Registry
	orch    *Orchestrator
	persist *countingPersister
}

func newFixture(gw llm.Gateway) fixture {
	// strictly increasing timestamps keep the resolver deterministic
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Millisecond)
		return now
	}
	reg := session.NewRegistry(session.Options{
		Catalog:  catalog,
		Gateway:  gw,
		Defaults: session.Defaults{Temperature: 0.7, MaxMessages: 50, MaxTokens: 4000, ChunkSize: 15},
		Now:      clock,
	})
	p := &countingPersister{}
	return fixture{reg: reg, orch: New(reg, WithPersister(p)), persist: p}
}

func req(session, model, msg string) Request {
	return Request{SessionID: session, Model: model, Message: msg}
}

func TestStream_FirstTurn(t *testing.T) {
	f := newFixture(&chanGateway{fragments: []string{"Hel", "lo"}})
	rec := &recorder{}

	res, err := f.orch.Stream(context.Background(), req("s1", "modelA", "hi"), rec)
	require.NoError(t, err)
	assert.Equal(t, []EventType{EventStart, EventContent, EventContent, EventEnd}, rec.types())
	assert.False(t, res.Switched)
	assert.Equal(t, "Hello", res.Reply)
	assert.Equal(t, "s1_modelA", res.InstanceID)

	inst, ok := f.reg.Get("s1_modelA")
	require.True(t, ok)
	assert.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "hi"},
		{Role: history.RoleAssistant, Content: "Hello"},
	}, inst.Messages())
	assert.EqualValues(t, 1, f.persist.n.Load())
}

func TestStream_SwitchCopiesMemoryBeforeStart(t *testing.T) {
	f := newFixture(&chanGateway{fragments: []string{"ok"}})
	_, err := f.orch.Stream(context.Background(), req("s1", "modelA", "first"), Discard)
	require.NoError(t, err)

	rec := &recorder{}
	res, err := f.orch.Stream(context.Background(), req("s1", "modelB", "second"), rec)
	require.NoError(t, err)

	assert.Equal(t, []EventType{EventModelSwitch, EventStart, EventContent, EventEnd}, rec.types())
	assert.Equal(t, Event{Type: EventModelSwitch, From: "modelA", To: "modelB"}, rec.events[0])
	assert.True(t, res.Switched)
	assert.Equal(t, "modelA", res.PreviousModel)

	a, _ := f.reg.Get("s1_modelA")
	b, _ := f.reg.Get("s1_modelB")
	assert.Len(t, a.Messages(), 2, "source untouched")
	msgs := b.Messages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "first", msgs[0].Content)
	assert.Equal(t, "second", msgs[2].Content)

	active, _ := f.orch.Resolver().Active("s1")
	assert.Same(t, b, active)
}

func TestStream_UnknownModelRejectedUpFront(t *testing.T) {
	f := newFixture(&chanGateway{})
	rec := &recorder{}

	_, err := f.orch.Stream(context.Background(), req("s1", "unknown-model", "hi"), rec)
	require.ErrorIs(t, err, session.ErrUnknownModel)
	assert.Empty(t, rec.types())
	assert.Zero(t, f.reg.Len())
	assert.Zero(t, f.persist.n.Load())
}

func TestStream_Validation(t *testing.T) {
	f := newFixture(&chanGateway{})

	_, err := f.orch.Stream(context.Background(), req(" ", "modelA", "hi"), Discard)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bad := req("s1", "modelA", "hi")
	bad.MaxTokens = -5
	_, err = f.orch.Stream(context.Background(), bad, Discard)
	assert.ErrorIs(t, err, session.ErrInvalidLimits)
	assert.Zero(t, f.reg.Len())
}

func TestStream_DisconnectAfterTwoOfFive(t *testing.T) {
	f := newFixture(&chanGateway{fragments: []string{"1", "2", "3", "4", "5"}})
	rec := &recorder{failAt: 3}

	_, err := f.orch.Stream(context.Background(), req("s1", "modelA", "tell me"), rec)
	require.Error(t, err)
	assert.Equal(t, []EventType{EventStart, EventContent, EventContent}, rec.types())

	inst, _ := f.reg.Get("s1_modelA")
	assert.Equal(t, []history.Message{{Role: history.RoleUser, Content: "tell me"}}, inst.Messages())
	assert.Zero(t, f.persist.n.Load())
}

func TestStream_ContextCancelledMidStream(t *testing.T) {
	f := newFixture(&chanGateway{fragments: []string{"1", "2", "3", "4", "5"}})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := 0
	rec := &recorder{onSend: func(e Event) {
		if e.Type == EventContent {
			seen++
			if seen == 2 {
				cancel()
			}
		}
	}}
	_, err := f.orch.Stream(ctx, req("s1", "modelA", "tell me"), rec)
	require.ErrorIs(t, err, context.Canceled)

	types := rec.types()
	assert.Equal(t, EventError, types[len(types)-1])
	inst, _ := f.reg.Get("s1_modelA")
	assert.Equal(t, []history.Message{{Role: history.RoleUser, Content: "tell me"}}, inst.Messages())
	assert.Zero(t, f.persist.n.Load())
}

func TestStream_ProviderErrorIsInBand(t *testing.T) {
	boom := errors.New("rate limited")
	f := newFixture(&chanGateway{err: boom})
	rec := &recorder{}

	_, err := f.orch.Stream(context.Background(), req("s1", "modelA", "hi"), rec)
	var pe *llm.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, []EventType{EventStart, EventError}, rec.types())
	assert.Contains(t, rec.events[1].Error, "rate limited")

	inst, _ := f.reg.Get("s1_modelA")
	assert.Len(t, inst.Messages(), 1, "user turn kept for retry")
}

func TestChat_SyncSwitch(t *testing.T) {
	f := newFixture(&chanGateway{reply: "sync reply"})

	res, err := f.orch.Chat(context.Background(), req("s1", "modelA", "one"))
	require.NoError(t, err)
	assert.Equal(t, "sync reply", res.Reply)
	assert.False(t, res.Switched)

	res, err = f.orch.Chat(context.Background(), req("s1", "modelB", "two"))
	require.NoError(t, err)
	assert.True(t, res.Switched)
	assert.Equal(t, "modelA", res.PreviousModel)
	assert.Equal(t, "modelB", res.Model)
}

func TestSwitchModel(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	ctx := context.Background()

	_, err := f.orch.SwitchModel(ctx, SwitchRequest{SessionID: "s1", Model: "modelB", TransferMemory: true})
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	_, err = f.orch.SwitchModel(ctx, SwitchRequest{SessionID: "s1", Model: "nope"})
	require.ErrorIs(t, err, session.ErrUnknownModel)

	_, err = f.orch.Chat(ctx, req("s1", "modelA", "hello"))
	require.NoError(t, err)

	res, err := f.orch.SwitchModel(ctx, SwitchRequest{SessionID: "s1", Model: "modelA"})
	require.NoError(t, err)
	assert.True(t, res.AlreadyActive)
	assert.False(t, res.MemoryTransferred)

	res, err = f.orch.SwitchModel(ctx, SwitchRequest{SessionID: "s1", Model: "modelB", TransferMemory: true})
	require.NoError(t, err)
	assert.True(t, res.MemoryTransferred)
	assert.Equal(t, "modelA", res.PreviousModel)

	a, _ := f.reg.Get("s1_modelA")
	b, _ := f.reg.Get("s1_modelB")
	assert.Equal(t, a.History().Len(), b.History().Len())

	msgs, model, ok := f.orch.History("s1")
	require.True(t, ok)
	assert.Equal(t, "modelB", model)
	assert.Len(t, msgs, 2)
}

func TestSwitchModel_WithoutTransfer(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	ctx := context.Background()
	_, err := f.orch.Chat(ctx, req("s1", "modelA", "hello"))
	require.NoError(t, err)

	_, err = f.orch.SwitchModel(ctx, SwitchRequest{SessionID: "s1", Model: "modelB"})
	require.NoError(t, err)

	msgs, model, ok := f.orch.History("s1")
	require.True(t, ok)
	assert.Equal(t, "modelB", model)
	assert.Empty(t, msgs)
}

func TestTransferMemory(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	ctx := context.Background()

	require.ErrorIs(t, f.orch.TransferMemory(ctx, "s1", "modelA", "modelB", false), session.ErrInstanceNotFound)

	_, err := f.orch.Chat(ctx, req("s1", "modelA", "a"))
	require.NoError(t, err)
	_, err = f.orch.Chat(ctx, req("s1", "modelB", "b"))
	require.NoError(t, err)
	before := f.persist.n.Load()

	require.NoError(t, f.orch.TransferMemory(ctx, "s1", "modelA", "modelB", true))
	a, _ := f.reg.Get("s1_modelA")
	b, _ := f.reg.Get("s1_modelB")
	assert.Empty(t, a.Messages())
	assert.Equal(t, []history.Message{
		{Role: history.RoleUser, Content: "a"},
		{Role: history.RoleAssistant, Content: "r"},
	}, b.Messages())
	assert.Equal(t, before+1, f.persist.n.Load())
	assert.Zero(t, f.orch.locks.len())
}

func TestTransferMemory_WaitsForSessionLock(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	release, err := f.orch.locks.acquire(context.Background(), "s1")
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = f.orch.TransferMemory(ctx, "s1", "modelA", "modelB", false)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHistoryAndClear(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	ctx := context.Background()

	_, _, ok := f.orch.History("nobody")
	assert.False(t, ok)

	_, err := f.orch.Chat(ctx, req("s1", "modelA", "a"))
	require.NoError(t, err)
	_, err = f.orch.Chat(ctx, req("s1", "modelB", "b"))
	require.NoError(t, err)
	_, err = f.orch.Chat(ctx, req("s2", "modelA", "other session"))
	require.NoError(t, err)

	stats, active := f.orch.Instances("s1")
	assert.Len(t, stats, 2)
	assert.Equal(t, "s1_modelB", active)

	n, err := f.orch.Clear(ctx, "s1", false)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	msgs, _, ok := f.orch.History("s1")
	require.True(t, ok)
	assert.Empty(t, msgs)

	n, err = f.orch.Clear(ctx, "s1", true)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, f.reg.Len(), "other sessions untouched")
}

func TestSameSessionRequestsAreSerialized(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.orch.Chat(context.Background(), req("s1", "modelA", "q"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	inst, _ := f.reg.Get("s1_modelA")
	msgs := inst.Messages()
	require.Len(t, msgs, 16)
	for i, m := range msgs {
		want := history.RoleUser
		if i%2 == 1 {
			want = history.RoleAssistant
		}
		assert.Equal(t, want, m.Role, "turns must not interleave")
	}
	assert.Zero(t, f.orch.locks.len())
}

func TestLocks_AcquireHonoursContext(t *testing.T) {
	l := newLocks()
	release, err := l.acquire(context.Background(), "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.acquire(ctx, "s1")
	require.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	release()
	assert.Zero(t, l.len())
}

func TestPersistAndRestore(t *testing.T) {
	f := newFixture(&chanGateway{reply: "r"})
	ctx := context.Background()
	_, err := f.orch.Chat(ctx, req("s1", "modelA", "remember me"))
	require.NoError(t, err)

	store := snapshot.NewStore("", nil)
	p := NewSnapshotPersister(store, Scope{Name: "llm", Registry: f.reg})
	require.NoError(t, p.Persist(ctx))

	snap, ok, err := store.Latest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, snap.Entries, 1)
	assert.Equal(t, "llm", snap.Entries[0].Scope)

	fresh := newFixture(&chanGateway{})
	n := Restore(snap, nil, Scope{Name: "llm", Registry: fresh.reg}, Scope{Name: "agent", Registry: session.NewRegistry(session.Options{})})
	assert.Equal(t, 1, n)

	msgs, model, ok := fresh.orch.History("s1")
	require.True(t, ok)
	assert.Equal(t, "modelA", model)
	assert.Equal(t, "remember me", msgs[0].Content)
}
