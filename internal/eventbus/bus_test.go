package eventbus

import "testing"

func TestBus_PublishAndDrain(t *testing.T) {
	b := New(2)

	if !b.Publish(Event{Name: "a"}) || !b.Publish(Event{Name: "b"}) {
		t.Fatal("Publish into empty buffer failed")
	}
	if b.Publish(Event{Name: "c"}) {
		t.Error("Publish into full buffer succeeded")
	}

	b.Close()
	if b.Publish(Event{Name: "d"}) {
		t.Error("Publish after Close succeeded")
	}
	b.Close()

	var got []string
	for ev := range b.Events() {
		got = append(got, ev.Name)
	}
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("drained %v, want [a b]", got)
	}
}
