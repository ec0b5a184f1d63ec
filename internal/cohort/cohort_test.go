package cohort

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/courseauth/internal/model"
	"github.com/hitoshi/courseauth/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	b := store.NewBoundary(store.NewMemoryDB(), store.BoundaryConfig{Workers: 1})
	b.Start()
	t.Cleanup(b.Stop)
	return store.NewProxy(b)
}

func insertUser(t *testing.T, s store.Store, group any) string {
	t.Helper()
	now := time.Now().UTC()
	id, err := s.Insert(context.Background(), store.TableUsers, store.Row{
		"email":            "a@x.com",
		"is_admin":         false,
		"cohort_group":     group,
		"early_access":     false,
		"extra_time":       false,
		"research_consent": false,
		"created_at":       now,
		"updated_at":       now,
	})
	if err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	return id.Key
}

func TestBucket_Deterministic(t *testing.T) {
	for i := 0; i < 50; i++ {
		id := fmt.Sprintf("user-%d", i)
		a := Bucket(id, 4)
		if b := Bucket(id, 4); a != b {
			t.Fatalf("Bucket(%q) is not stable: %d != %d", id, a, b)
		}
		if a < 0 || a >= 4 {
			t.Fatalf("Bucket(%q) = %d, out of range", id, a)
		}
	}
}

func TestBucket_UsesAllGroups(t *testing.T) {
	seen := map[int]bool{}
	for i := 0; i < 200; i++ {
		seen[Bucket(fmt.Sprintf("user-%d", i), 3)] = true
	}
	if len(seen) != 3 {
		t.Errorf("groups used = %v, want all of 0..2", seen)
	}
}

func TestBucket_SingleGroup(t *testing.T) {
	if got := Bucket("anything", 1); got != 0 {
		t.Errorf("Bucket with 1 group = %d, want 0", got)
	}
	if got := Bucket("anything", 0); got != 0 {
		t.Errorf("Bucket with 0 groups = %d, want 0", got)
	}
}

func TestAssigner_Assign_StoresBucket(t *testing.T) {
	s := newTestStore(t)
	userID := insertUser(t, s, nil)
	a := NewAssigner(s, 4)

	got, err := a.Assign(context.Background(), userID)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	if want := Bucket(userID, 4); got != want {
		t.Errorf("Assign = %d, want %d", got, want)
	}

	row, _ := s.Get(context.Background(), store.ID{Table: store.TableUsers, Key: userID})
	if g := row.IntPtr("cohort_group"); g == nil || *g != got {
		t.Errorf("stored cohort_group = %v, want %d", g, got)
	}
}

func TestAssigner_Assign_KeepsExistingGroup(t *testing.T) {
	s := newTestStore(t)
	userID := insertUser(t, s, 7)
	a := NewAssigner(s, 2)

	got, err := a.Assign(context.Background(), userID)
	if err != nil {
		t.Fatalf("Assign error: %v", err)
	}
	if got != 7 {
		t.Errorf("Assign = %d, want existing group 7", got)
	}
}

func TestAssigner_Assign_UnknownUser(t *testing.T) {
	a := NewAssigner(newTestStore(t), 2)

	_, err := a.Assign(context.Background(), "missing")
	if !errors.Is(err, model.ErrInvalidUser) {
		t.Errorf("error = %v, want ErrInvalidUser", err)
	}
}

func TestNewAssigner_DefaultGroups(t *testing.T) {
	if got := NewAssigner(nil, 0).Groups(); got != DefaultGroups {
		t.Errorf("Groups = %d, want %d", got, DefaultGroups)
	}
}
