package indexes

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T, dir string, version uint32) *Store {
	t.Helper()

	st, err := OpenStore(dir, "things", version, Raw, Raw)
	if err != nil {
		t.Fatalf("open side store: %v", err)
	}
	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			t.Fatalf("close side store: %v", err)
		}
	})
	return st
}

func TestOpenStoreRejectsBadNames(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"", "Things", "../escape", "no spaces"} {
		if _, err := OpenStore(dir, name, 1, Raw, Raw); err == nil {
			t.Fatalf("expected error for name %q", name)
		}
	}
}

func TestOpenStoreRejectsZeroVersion(t *testing.T) {
	if _, err := OpenStore(t.TempDir(), "things", 0, Raw, Raw); err == nil {
		t.Fatal("expected error for version 0")
	}
}

func TestStoreApplyBatchAndGet(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)

	ctx := context.Background()
	muts := []Mutation{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("b"), Value: []byte("2")},
	}
	if err := st.ApplyBatch(ctx, muts, 7); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	got, err := st.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if string(got) != "1" {
		t.Fatalf("entry value mismatch: got %q", got)
	}
	if wm := st.Watermark(); wm != 7 {
		t.Fatalf("watermark mismatch: got %d want 7", wm)
	}

	if _, err := st.Get(ctx, []byte("missing")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStoreApplyBatchOverwriteAndDelete(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)

	ctx := context.Background()
	if err := st.ApplyBatch(ctx, []Mutation{{Key: []byte("a"), Value: []byte("1")}}, 1); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if err := st.ApplyBatch(ctx, []Mutation{{Key: []byte("a"), Value: []byte("2")}}, 2); err != nil {
		t.Fatalf("overwrite entry: %v", err)
	}
	got, err := st.Get(ctx, []byte("a"))
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if string(got) != "2" {
		t.Fatalf("overwritten value mismatch: got %q", got)
	}

	if err := st.ApplyBatch(ctx, []Mutation{{Key: []byte("a"), Delete: true}}, 3); err != nil {
		t.Fatalf("delete entry: %v", err)
	}
	if _, err := st.Get(ctx, []byte("a")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestStoreEmptyBatchAdvancesWatermark(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)

	if err := st.ApplyBatch(context.Background(), nil, 9); err != nil {
		t.Fatalf("apply empty batch: %v", err)
	}
	if wm := st.Watermark(); wm != 9 {
		t.Fatalf("watermark mismatch: got %d want 9", wm)
	}
}

func TestStoreReopenKeepsStateForSameVersion(t *testing.T) {
	dir := t.TempDir()

	st, err := OpenStore(dir, "things", 1, Raw, Raw)
	if err != nil {
		t.Fatalf("open side store: %v", err)
	}
	ctx := context.Background()
	if err := st.ApplyBatch(ctx, []Mutation{{Key: []byte("k"), Value: []byte("v")}}, 5); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close side store: %v", err)
	}

	reopened := openTestStore(t, dir, 1)
	if wm := reopened.Watermark(); wm != 5 {
		t.Fatalf("watermark after reopen: got %d want 5", wm)
	}
	got, err := reopened.Get(ctx, []byte("k"))
	if err != nil {
		t.Fatalf("get entry after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("entry after reopen mismatch: got %q", got)
	}
}

func TestStoreVersionBumpResets(t *testing.T) {
	dir := t.TempDir()

	st, err := OpenStore(dir, "things", 1, Raw, Raw)
	if err != nil {
		t.Fatalf("open side store: %v", err)
	}
	ctx := context.Background()
	if err := st.ApplyBatch(ctx, []Mutation{{Key: []byte("k"), Value: []byte("v")}}, 5); err != nil {
		t.Fatalf("apply batch: %v", err)
	}
	if err := st.SetCompacted(ctx, 2); err != nil {
		t.Fatalf("set compaction boundary: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close side store: %v", err)
	}

	bumped := openTestStore(t, dir, 2)
	if wm := bumped.Watermark(); wm != 0 {
		t.Fatalf("watermark after version bump: got %d want 0", wm)
	}
	if c := bumped.Compacted(); c != 0 {
		t.Fatalf("compaction boundary after version bump: got %d want 0", c)
	}
	if _, err := bumped.Get(ctx, []byte("k")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected entries dropped after version bump, got %v", err)
	}
}

func TestStoreRangeByteOrder(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)

	ctx := context.Background()
	muts := []Mutation{
		{Key: []byte{0x02}, Value: []byte("b")},
		{Key: []byte{0x01}, Value: []byte("a")},
		{Key: []byte{0x03}, Value: []byte("c")},
		{Key: []byte{0x01, 0x00}, Value: []byte("a0")},
	}
	if err := st.ApplyBatch(ctx, muts, 1); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	var keys [][]byte
	err := st.Range(ctx, []byte{0x01}, []byte{0x03}, func(k, v []byte) error {
		keys = append(keys, bytes.Clone(k))
		return nil
	})
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(keys) != 3 {
		t.Fatalf("range count mismatch: got %d want 3", len(keys))
	}
	if !bytes.Equal(keys[0], []byte{0x01}) ||
		!bytes.Equal(keys[1], []byte{0x01, 0x00}) ||
		!bytes.Equal(keys[2], []byte{0x02}) {
		t.Fatalf("range order mismatch: %v", keys)
	}
}

func TestStoreRangePrefix(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)

	ctx := context.Background()
	muts := []Mutation{
		{Key: []byte("a:1"), Value: []byte("x")},
		{Key: []byte("a:2"), Value: []byte("y")},
		{Key: []byte("b:1"), Value: []byte("z")},
	}
	if err := st.ApplyBatch(ctx, muts, 1); err != nil {
		t.Fatalf("apply batch: %v", err)
	}

	var count int
	err := st.RangePrefix(ctx, []byte("a:"), func(k, v []byte) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("range prefix: %v", err)
	}
	if count != 2 {
		t.Fatalf("prefix count mismatch: got %d want 2", count)
	}
}

func TestPrefixEnd(t *testing.T) {
	cases := []struct {
		prefix []byte
		want   []byte
	}{
		{[]byte{0x01}, []byte{0x02}},
		{[]byte{0x01, 0xff}, []byte{0x02}},
		{[]byte{0xff, 0xff}, nil},
		{[]byte("a:"), []byte("a;")},
	}
	for _, tc := range cases {
		got := prefixEnd(tc.prefix)
		if !bytes.Equal(got, tc.want) {
			t.Fatalf("prefix end of %v: got %v want %v", tc.prefix, got, tc.want)
		}
	}
}

func TestStoreSetCompactedNeverRegresses(t *testing.T) {
	st := openTestStore(t, t.TempDir(), 1)

	ctx := context.Background()
	if err := st.SetCompacted(ctx, 10); err != nil {
		t.Fatalf("set compaction boundary: %v", err)
	}
	if err := st.SetCompacted(ctx, 4); err != nil {
		t.Fatalf("lower compaction boundary: %v", err)
	}
	if c := st.Compacted(); c != 10 {
		t.Fatalf("compaction boundary regressed: got %d want 10", c)
	}
}
