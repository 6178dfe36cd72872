package models

import "testing"

func TestDeliveryTransitions(t *testing.T) {
	cases := []struct {
		from, to DeliveryStatus
		ok       bool
	}{
		{DeliverySending, DeliverySent, true},
		{DeliverySending, DeliveryDelivered, true},
		{DeliverySending, DeliveryRead, true},
		{DeliverySent, DeliveryDelivered, true},
		{DeliveryDelivered, DeliveryRead, true},
		{DeliverySending, DeliveryFailed, true},
		{DeliveryFailed, DeliverySending, true},
		{DeliveryRead, DeliveryDelivered, false},
		{DeliveryDelivered, DeliverySent, false},
		{DeliverySent, DeliverySending, false},
		{DeliverySent, DeliveryFailed, false},
		{DeliveryFailed, DeliverySent, false},
		{DeliveryRead, DeliveryRead, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestRecomputeStatusAllRead(t *testing.T) {
	m := &Message{Sender: "alice", Status: DeliverySent}
	m.RecomputeStatus([]string{"bob", "carol"})
	if m.Status != DeliverySent {
		t.Fatalf("status moved without any reads: %s", m.Status)
	}

	m.DeliveredTo = []string{"bob"}
	m.RecomputeStatus([]string{"bob", "carol"})
	if m.Status != DeliverySent {
		t.Fatalf("status moved with one of two delivered: %s", m.Status)
	}

	m.DeliveredTo = []string{"bob", "carol"}
	m.RecomputeStatus([]string{"bob", "carol"})
	if m.Status != DeliveryDelivered {
		t.Fatalf("expected delivered, got %s", m.Status)
	}

	m.ReadBy = []string{"bob", "carol"}
	m.RecomputeStatus([]string{"bob", "carol"})
	if m.Status != DeliveryRead {
		t.Fatalf("expected read, got %s", m.Status)
	}

	// a recipient leaving the read set later cannot regress the scalar
	m.ReadBy = []string{"bob"}
	m.RecomputeStatus([]string{"bob", "carol"})
	if m.Status != DeliveryRead {
		t.Fatalf("status regressed to %s", m.Status)
	}
}

func TestRecomputeStatusReadImpliesDelivered(t *testing.T) {
	// a read without an explicit delivery receipt still counts as
	// delivered for the scalar
	m := &Message{Sender: "alice", Status: DeliverySent, ReadBy: []string{"bob"}}
	m.RecomputeStatus([]string{"bob"})
	if m.Status != DeliveryRead {
		t.Fatalf("expected read, got %s", m.Status)
	}
}

func TestUnread(t *testing.T) {
	m := &Message{Sender: "alice"}
	if m.Unread("alice") {
		t.Fatalf("sender's own message counted unread")
	}
	if !m.Unread("bob") {
		t.Fatalf("fresh message not unread for recipient")
	}
	m.MarkRead("bob")
	if m.Unread("bob") {
		t.Fatalf("read message still unread")
	}
	if m.MarkRead("bob") {
		t.Fatalf("second MarkRead reported a change")
	}
	m2 := &Message{Sender: "alice", Deleted: true}
	if m2.Unread("bob") {
		t.Fatalf("tombstoned message counted unread")
	}
}
