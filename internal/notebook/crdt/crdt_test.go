package crdt

import "testing"

func TestInsertLocalBuildsText(t *testing.T) {
	d := New(1)
	for i, ch := range "hello" {
		if _, err := d.InsertLocal(i, ch); err != nil {
			t.Fatalf("insert %c: %v", ch, err)
		}
	}
	if got := d.Text(); got != "hello" {
		t.Errorf("text = %q, want hello", got)
	}
}

func TestDeleteLocalTombstones(t *testing.T) {
	d := Seed(1, "hello")
	if _, err := d.DeleteLocal(0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := d.Text(); got != "ello" {
		t.Errorf("text = %q, want ello", got)
	}
}

func TestApplyRemoteInsertIntegrates(t *testing.T) {
	a := Seed(1, "ac")
	b := New(2)
	// Replicate a's state onto b via serialize/load to establish shared history.
	snap, err := a.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	b, err = Load(2, snap)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	// Insert 'b' between 'a' and 'c' locally on a, then replicate to b.
	update, err := a.InsertLocal(1, 'b')
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	b.Apply(update)

	if got := a.Text(); got != "abc" {
		t.Errorf("a text = %q, want abc", got)
	}
	if got := b.Text(); got != "abc" {
		t.Errorf("b text = %q, want abc", got)
	}
}

func TestConcurrentInsertsConvergeRegardlessOfApplyOrder(t *testing.T) {
	base := Seed(1, "ac")
	snap, err := base.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	replicaA, err := Load(1, snap)
	if err != nil {
		t.Fatalf("load a: %v", err)
	}
	replicaB, err := Load(2, snap)
	if err != nil {
		t.Fatalf("load b: %v", err)
	}

	updateFromA, err := replicaA.InsertLocal(1, 'x')
	if err != nil {
		t.Fatalf("insert on a: %v", err)
	}
	updateFromB, err := replicaB.InsertLocal(1, 'y')
	if err != nil {
		t.Fatalf("insert on b: %v", err)
	}

	// Apply in opposite orders on each replica.
	replicaA.Apply(updateFromB)
	replicaB.Apply(updateFromA)

	if replicaA.Text() != replicaB.Text() {
		t.Errorf("replicas diverged: a=%q b=%q", replicaA.Text(), replicaB.Text())
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	d := Seed(1, "ab")
	update, err := d.InsertLocal(1, 'x')
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	other := New(2)
	other.Apply(update)
	other.Apply(update)
	other.Apply(update)

	if got := other.Text(); got != "x" {
		t.Errorf("text after repeated apply = %q, want x (idempotent single insert)", got)
	}
}

func TestSerializeLoadRoundTrip(t *testing.T) {
	d := Seed(1, "hello")
	if _, err := d.DeleteLocal(4); err != nil {
		t.Fatalf("delete: %v", err)
	}

	snap, err := d.Serialize()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	reloaded, err := Load(1, snap)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if reloaded.Text() != d.Text() {
		t.Errorf("reloaded text = %q, want %q", reloaded.Text(), d.Text())
	}

	// The reloaded doc must be able to keep editing using the same seq
	// counter as the original, so further local inserts don't collide.
	if _, err := reloaded.InsertLocal(0, '!'); err != nil {
		t.Fatalf("insert after reload: %v", err)
	}
}

func TestEncodeDecodeUpdate(t *testing.T) {
	d := New(1)
	update, err := d.InsertLocal(0, 'z')
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	raw, err := update.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded != update {
		t.Errorf("decoded = %+v, want %+v", decoded, update)
	}
}
