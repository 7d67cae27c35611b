package queue

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/satlla/obc/types"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	root := t.TempDir()
	q := New(filepath.Join(root, "outbox"), filepath.Join(root, "sent"), nil)
	if err := q.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return q
}

func writeArtifact(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func drain(t *testing.T, q *Queue) []*Item {
	t.Helper()
	var items []*Item
	for {
		item, err := q.DequeueNext()
		if errors.Is(err, ErrEmpty) {
			return items
		}
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		items = append(items, item)
		if len(items) > 100 {
			t.Fatal("queue did not drain")
		}
	}
}

func TestDequeueNext_EmptyOutbox(t *testing.T) {
	q := newTestQueue(t)
	if _, err := q.DequeueNext(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
}

func TestDequeueNext_MissionSeven(t *testing.T) {
	q := newTestQueue(t)
	dir := q.MissionDir(7)
	writeArtifact(t, dir, "_metafile.bin", "meta")
	writeArtifact(t, dir, "lap_pyr_1.png", "layer1")
	writeArtifact(t, dir, "lap_pyr_2.jp2", "layer2")

	want := []struct {
		name    string
		typ     types.ArtifactType
		payload string
	}{
		{"_metafile.bin", types.ArtifactMeta, "meta"},
		{"lap_pyr_1.png", types.ArtifactType(1), "layer1"},
		{"lap_pyr_2.jp2", types.ArtifactType(2), "layer2"},
	}

	for _, w := range want {
		item, err := q.DequeueNext()
		if err != nil {
			t.Fatalf("DequeueNext: %v", err)
		}
		if item.MissionID != 7 || item.Name != w.name || item.Type != w.typ || string(item.Payload) != w.payload {
			t.Errorf("got {%d %s %d %q}, want {7 %s %d %q}",
				item.MissionID, item.Name, item.Type, item.Payload, w.name, w.typ, w.payload)
		}
		if _, err := os.Stat(filepath.Join(q.SentMissionDir(7), w.name)); err != nil {
			t.Errorf("%s not moved to sent: %v", w.name, err)
		}
		if _, err := os.Stat(filepath.Join(dir, w.name)); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("%s still in outbox", w.name)
		}
	}

	if _, err := q.DequeueNext(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty after draining, got %v", err)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("empty mission directory should be left in place")
	}
}

func TestDequeueNext_OrderAcrossMissions(t *testing.T) {
	q := newTestQueue(t)
	writeArtifact(t, q.MissionDir(10), "b.txt", "10b")
	writeArtifact(t, q.MissionDir(2), "z.txt", "2z")
	writeArtifact(t, q.MissionDir(2), "a.txt", "2a")
	writeArtifact(t, filepath.Join(q.Outbox(), "misc"), "x.txt", "misc")
	writeArtifact(t, q.Outbox(), "loose.txt", "loose")
	writeArtifact(t, q.MissionDir(2), ".hidden", "skip")

	items := drain(t, q)
	var got []string
	for _, it := range items {
		got = append(got, string(it.Payload))
	}
	want := []string{"loose", "2a", "2z", "10b", "misc"}
	if len(got) != len(want) {
		t.Fatalf("delivered %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivered %v, want %v", got, want)
		}
	}
	if items[4].MissionID != 0 {
		t.Errorf("non-numeric directory mission id = %d, want 0", items[4].MissionID)
	}
	if _, err := os.Stat(filepath.Join(q.MissionDir(2), ".hidden")); err != nil {
		t.Errorf("dotfile should stay in outbox: %v", err)
	}
}

func TestDequeueNext_ExactlyOnceAcrossReopen(t *testing.T) {
	q := newTestQueue(t)
	writeArtifact(t, q.MissionDir(1), "a", "1")
	writeArtifact(t, q.MissionDir(1), "b", "2")

	first, err := q.DequeueNext()
	if err != nil {
		t.Fatal(err)
	}

	reopened := New(q.Outbox(), q.Sent(), nil)
	rest := drain(t, reopened)
	if len(rest) != 1 {
		t.Fatalf("expected 1 remaining artifact after reopen, got %d", len(rest))
	}
	if rest[0].Name == first.Name {
		t.Errorf("artifact %s delivered twice", first.Name)
	}
}

func TestList_DoesNotConsume(t *testing.T) {
	q := newTestQueue(t)
	writeArtifact(t, q.MissionDir(3), "icon.jpeg", "icon")
	writeArtifact(t, q.MissionDir(3), "Img.jpeg", "img")

	entries, err := q.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("List returned %d entries, want 2", len(entries))
	}
	if entries[0].Name != "Img.jpeg" || entries[0].Type != uint8(types.ArtifactImgJPG) {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Size != 4 {
		t.Errorf("entries[1].Size = %d, want 4", entries[1].Size)
	}
	if items := drain(t, q); len(items) != 2 {
		t.Errorf("List consumed artifacts: %d left", len(items))
	}
}

func TestPurge_ThenDequeueIsEmpty(t *testing.T) {
	q := newTestQueue(t)
	writeArtifact(t, q.MissionDir(1), "a", "1")
	writeArtifact(t, filepath.Join(q.MissionDir(2), "nested"), "b", "2")
	writeArtifact(t, q.Outbox(), "loose", "3")

	res, err := q.Purge(q.Outbox())
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if res.Removed != 6 || res.Failed != 0 {
		t.Errorf("PurgeResult = %+v, want 6 removed", res)
	}
	if _, err := q.DequeueNext(); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty after purge, got %v", err)
	}
	if info, err := os.Stat(q.Outbox()); err != nil || !info.IsDir() {
		t.Error("purge removed the outbox root")
	}
}

func TestPurge_MissingRoot(t *testing.T) {
	q := newTestQueue(t)
	res, err := q.Purge(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("Purge of missing root: %v", err)
	}
	if res.Removed != 0 {
		t.Errorf("Removed = %d", res.Removed)
	}
}

func TestCreateMission(t *testing.T) {
	q := newTestQueue(t)
	dir, err := q.CreateMission(42)
	if err != nil {
		t.Fatalf("CreateMission: %v", err)
	}
	if dir != filepath.Join(q.Outbox(), "42") {
		t.Errorf("dir = %s", dir)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		t.Errorf("mission directory not created")
	}
}
