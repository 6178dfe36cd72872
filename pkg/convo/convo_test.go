package convo

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatd/pkg/identity"
	"chatd/pkg/models"
	"chatd/pkg/permission"
	"chatd/pkg/store"
)

func setup(t *testing.T) (*Service, *identity.Memory) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ids := identity.NewMemory(identity.PrivacyAnyone)
	return NewService(st, permission.NewEvaluator(ids)), ids
}

func TestGetOrCreateDirectIdempotent(t *testing.T) {
	svc, _ := setup(t)
	c1, err := svc.GetOrCreateDirect("alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c1.Kind != models.KindDirect || c1.Status != models.StatusAccepted {
		t.Fatalf("unexpected conversation: %+v", c1)
	}
	// opposite argument order resolves to the same conversation
	c2, err := svc.GetOrCreateDirect("bob", "alice")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if c2.ID != c1.ID {
		t.Fatalf("pair mapped to two conversations: %s vs %s", c1.ID, c2.ID)
	}
}

func TestGetOrCreateDirectConcurrent(t *testing.T) {
	svc, _ := setup(t)
	const n = 50
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := "alice", "bob"
			if i%2 == 1 {
				a, b = b, a
			}
			c, err := svc.GetOrCreateDirect(a, b)
			if err != nil {
				t.Errorf("goroutine %d: %v", i, err)
				return
			}
			ids[i] = c.ID
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("goroutine %d got %s, goroutine 0 got %s", i, ids[i], ids[0])
		}
	}
}

func TestGetOrCreateDirectSelf(t *testing.T) {
	svc, _ := setup(t)
	if _, err := svc.GetOrCreateDirect("alice", "alice"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("self conversation allowed: %v", err)
	}
}

func TestGetOrCreateDirectBlocked(t *testing.T) {
	svc, ids := setup(t)
	if err := ids.Block("bob", "alice"); err != nil {
		t.Fatalf("block: %v", err)
	}
	if _, err := svc.GetOrCreateDirect("alice", "bob"); !errors.Is(err, models.ErrPermissionDenied) {
		t.Fatalf("blocked sender created a conversation: %v", err)
	}
}

func TestGetOrCreateDirectPending(t *testing.T) {
	svc, ids := setup(t)
	ids.SetPrivacy("bob", identity.PrivacyFollowers)
	c, err := svc.GetOrCreateDirect("alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if c.Status != models.StatusPending || c.RequesterID != "alice" {
		t.Fatalf("expected pending request from alice: %+v", c)
	}
}

func TestCreateGroup(t *testing.T) {
	svc, _ := setup(t)
	if _, err := svc.CreateGroup("alice", []string{"bob"}, "duo"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("undersized group allowed: %v", err)
	}
	c, err := svc.CreateGroup("alice", []string{"bob", "carol"}, "trio")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}
	if c.Kind != models.KindGroup || c.Status != models.StatusAccepted || len(c.Participants) != 3 {
		t.Fatalf("unexpected group: %+v", c)
	}
}

func TestFlagsArePerParticipant(t *testing.T) {
	svc, _ := setup(t)
	c, err := svc.GetOrCreateDirect("alice", "bob")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.SetArchived(c.ID, "alice", true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := svc.SetMuted(c.ID, "bob", true); err != nil {
		t.Fatalf("mute: %v", err)
	}
	got, err := svc.Get(c.ID, "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.State["alice"].Archived || got.State["bob"].Archived {
		t.Fatalf("archive leaked across participants: %+v", got.State)
	}
	if !got.State["bob"].Muted || got.State["alice"].Muted {
		t.Fatalf("mute leaked across participants: %+v", got.State)
	}
	if err := svc.SetPinned(c.ID, "mallory", true); !errors.Is(err, models.ErrNotParticipant) {
		t.Fatalf("outsider set a flag: %v", err)
	}
}

func TestLeaveClosesSmallGroup(t *testing.T) {
	svc, _ := setup(t)
	c, err := svc.CreateGroup("alice", []string{"bob", "carol"}, "trio")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Leave(c.ID, "carol"); err != nil {
		t.Fatalf("leave: %v", err)
	}
	got, _ := svc.Get(c.ID, "alice")
	if got.Closed {
		t.Fatalf("closed with two members remaining")
	}
	if err := svc.Leave(c.ID, "bob"); err != nil {
		t.Fatalf("second leave: %v", err)
	}
	got, _ = svc.Get(c.ID, "alice")
	if !got.Closed {
		t.Fatalf("not closed with one member remaining")
	}

	d, _ := svc.GetOrCreateDirect("alice", "bob")
	if err := svc.Leave(d.ID, "alice"); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("left a direct conversation: %v", err)
	}
}

func TestListFiltersAndOrder(t *testing.T) {
	svc, _ := setup(t)
	c1, _ := svc.GetOrCreateDirect("alice", "bob")
	c2, _ := svc.GetOrCreateDirect("alice", "carol")
	if err := svc.SetArchived(c1.ID, "alice", true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := svc.List("alice", FilterActive)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].ID != c2.ID {
		t.Fatalf("active list wrong: %+v", active)
	}
	archived, err := svc.List("alice", FilterArchived)
	if err != nil {
		t.Fatalf("list archived: %v", err)
	}
	if len(archived) != 1 || archived[0].ID != c1.ID {
		t.Fatalf("archived list wrong: %+v", archived)
	}
}

func TestSetDisappearing(t *testing.T) {
	svc, _ := setup(t)
	c, _ := svc.GetOrCreateDirect("alice", "bob")
	if err := svc.SetDisappearing(c.ID, "alice", -1); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("negative duration accepted: %v", err)
	}
	if err := svc.SetDisappearing(c.ID, "alice", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, _ := svc.Get(c.ID, "bob")
	if got.DisappearAfterNS != int64(time.Hour) {
		t.Fatalf("duration not stored: %d", got.DisappearAfterNS)
	}
	if err := svc.SetDisappearing(c.ID, "bob", 0); err != nil {
		t.Fatalf("unset: %v", err)
	}
	got, _ = svc.Get(c.ID, "alice")
	if got.DisappearAfterNS != 0 {
		t.Fatalf("duration not cleared: %d", got.DisappearAfterNS)
	}
}
