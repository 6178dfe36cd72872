package syncer_test

import (
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"

	"chatd/pkg/convo"
	"chatd/pkg/identity"
	"chatd/pkg/models"
	"chatd/pkg/msglog"
	"chatd/pkg/notify"
	"chatd/pkg/permission"
	"chatd/pkg/store"
	"chatd/pkg/syncer"
)

// recordDispatcher captures events for assertions.
type recordDispatcher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordDispatcher) Dispatch(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordDispatcher) byType(t notify.EventType) []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	st    *store.Store
	convo *convo.Service
	log   *msglog.Service
	sync  *syncer.Syncer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	eval := permission.NewEvaluator(identity.NewMemory(identity.PrivacyAnyone))
	return &fixture{
		st:    st,
		convo: convo.NewService(st, eval),
		log:   msglog.NewService(st, eval, nil, 3),
		sync:  syncer.New(st, nil),
	}
}

func (f *fixture) send(t *testing.T, convID, sender, body string) *models.Message {
	t.Helper()
	m, err := f.log.Append(msglog.AppendInput{ConvID: convID, SenderID: sender, Body: body})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return m
}

func TestMarkReadResetsCounter(t *testing.T) {
	f := setup(t)
	c, _ := f.convo.GetOrCreateDirect("alice", "bob")
	f.send(t, c.ID, "alice", "one")
	f.send(t, c.ID, "alice", "two")
	m3 := f.send(t, c.ID, "alice", "three")

	if err := f.sync.MarkRead(c.ID, "bob"); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	conv, _ := f.st.GetConversation(c.ID)
	if conv.State["bob"].UnreadCount != 0 {
		t.Fatalf("counter not reset: %d", conv.State["bob"].UnreadCount)
	}
	got, _ := f.log.Get(m3.ID, "alice")
	if !got.ReadByUser("bob") {
		t.Fatalf("read set missing bob: %+v", got)
	}
	if got.Status != models.DeliveryRead {
		t.Fatalf("scalar not advanced: %s", got.Status)
	}

	if err := f.sync.MarkRead(c.ID, "mallory"); !errors.Is(err, models.ErrNotParticipant) {
		t.Fatalf("outsider marked read: %v", err)
	}
}

func TestMarkDeliveredAdvancesStatus(t *testing.T) {
	f := setup(t)
	c, _ := f.convo.GetOrCreateDirect("alice", "bob")
	m := f.send(t, c.ID, "alice", "hi")

	if err := f.sync.MarkDelivered(m.ID, "bob"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	got, _ := f.log.Get(m.ID, "alice")
	if got.Status != models.DeliveryDelivered {
		t.Fatalf("status %s", got.Status)
	}
	// idempotent
	if err := f.sync.MarkDelivered(m.ID, "bob"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	got, _ = f.log.Get(m.ID, "alice")
	if len(got.DeliveredTo) != 1 {
		t.Fatalf("delivery set grew: %+v", got.DeliveredTo)
	}
	// the sender's own fetch is a no-op
	if err := f.sync.MarkDelivered(m.ID, "alice"); err != nil {
		t.Fatalf("sender mark: %v", err)
	}
	got, _ = f.log.Get(m.ID, "bob")
	if len(got.DeliveredTo) != 1 {
		t.Fatalf("sender entered delivery set: %+v", got.DeliveredTo)
	}
}

func TestMarkDeliveredDispatchesToSender(t *testing.T) {
	f := setup(t)
	rec := &recordDispatcher{}
	f.sync = syncer.New(f.st, rec)
	c, _ := f.convo.GetOrCreateDirect("alice", "bob")
	m := f.send(t, c.ID, "alice", "hi")

	if err := f.sync.MarkDelivered(m.ID, "bob"); err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	evs := rec.byType(notify.EventDelivered)
	if len(evs) != 1 {
		t.Fatalf("delivered events: %d", len(evs))
	}
	ev := evs[0]
	if ev.RecipientID != "alice" || ev.Conversation != c.ID || ev.MessageID != m.ID {
		t.Fatalf("event: %+v", ev)
	}

	// re-marking must not re-notify
	if err := f.sync.MarkDelivered(m.ID, "bob"); err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if n := len(rec.byType(notify.EventDelivered)); n != 1 {
		t.Fatalf("duplicate delivered events: %d", n)
	}
}

func TestGroupDeliveryDispatchesOnceAllFetched(t *testing.T) {
	f := setup(t)
	rec := &recordDispatcher{}
	f.sync = syncer.New(f.st, rec)
	g, err := f.convo.CreateGroup("alice", []string{"bob", "carol"}, "trio")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	m := f.send(t, g.ID, "alice", "hi all")

	if err := f.sync.MarkDelivered(m.ID, "bob"); err != nil {
		t.Fatalf("bob: %v", err)
	}
	if n := len(rec.byType(notify.EventDelivered)); n != 0 {
		t.Fatalf("notified before every recipient fetched: %d", n)
	}
	if err := f.sync.MarkDelivered(m.ID, "carol"); err != nil {
		t.Fatalf("carol: %v", err)
	}
	if n := len(rec.byType(notify.EventDelivered)); n != 1 {
		t.Fatalf("delivered events: %d", n)
	}
}

func TestGroupDeliveryNeedsEveryRecipient(t *testing.T) {
	f := setup(t)
	g, err := f.convo.CreateGroup("alice", []string{"bob", "carol"}, "trio")
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	m := f.send(t, g.ID, "alice", "hi all")

	if err := f.sync.MarkDelivered(m.ID, "bob"); err != nil {
		t.Fatalf("bob delivered: %v", err)
	}
	got, _ := f.log.Get(m.ID, "alice")
	if got.Status != models.DeliverySent {
		t.Fatalf("advanced with one of two recipients: %s", got.Status)
	}
	if err := f.sync.MarkDelivered(m.ID, "carol"); err != nil {
		t.Fatalf("carol delivered: %v", err)
	}
	got, _ = f.log.Get(m.ID, "alice")
	if got.Status != models.DeliveryDelivered {
		t.Fatalf("not delivered after all recipients: %s", got.Status)
	}
}

func TestCountersMatchRecomputeAfterRandomOps(t *testing.T) {
	f := setup(t)
	c, _ := f.convo.GetOrCreateDirect("alice", "bob")
	users := []string{"alice", "bob"}
	rng := rand.New(rand.NewSource(42))

	var sent []*models.Message
	for i := 0; i < 200; i++ {
		switch rng.Intn(4) {
		case 0, 1:
			u := users[rng.Intn(2)]
			sent = append(sent, f.send(t, c.ID, u, fmt.Sprintf("msg %d", i)))
		case 2:
			u := users[rng.Intn(2)]
			if err := f.sync.MarkRead(c.ID, u); err != nil {
				t.Fatalf("mark read: %v", err)
			}
		case 3:
			if len(sent) == 0 {
				continue
			}
			m := sent[rng.Intn(len(sent))]
			err := f.log.Delete(m.ID, m.Sender)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				t.Fatalf("delete: %v", err)
			}
		}
	}

	ok, err := f.sync.VerifyCounters(c.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		for _, u := range users {
			n, _ := f.sync.Recompute(c.ID, u)
			conv, _ := f.st.GetConversation(c.ID)
			t.Logf("%s: counter=%d recomputed=%d", u, conv.State[u].UnreadCount, n)
		}
		t.Fatalf("counter drift after random ops")
	}
}

func TestCountersSurviveConcurrentSendsAndReads(t *testing.T) {
	f := setup(t)
	c, _ := f.convo.GetOrCreateDirect("alice", "bob")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.log.Append(msglog.AppendInput{ConvID: c.ID, SenderID: "alice", Body: fmt.Sprintf("m%d", i)}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.sync.MarkRead(c.ID, "bob"); err != nil {
				t.Errorf("mark read: %v", err)
			}
		}()
	}
	wg.Wait()

	ok, err := f.sync.VerifyCounters(c.ID)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatalf("counter drift under concurrency")
	}
}
