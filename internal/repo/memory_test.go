package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Herald/internal/domain"
)

func ptrTime(t time.Time) *time.Time { return &t }
func ptrString(s string) *string     { return &s }
func ptrBool(b bool) *bool           { return &b }

func TestMemoryStore_CreateGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	post := &domain.Post{
		Text:  "hello",
		Media: []domain.MediaRef{{Path: "uploads/a.png", MimeType: "image/png", Size: 10}},
	}
	if err := s.Create(ctx, post); err != nil {
		t.Fatalf("create: %v", err)
	}
	if post.ID == uuid.Nil {
		t.Fatal("ID should be assigned")
	}
	if post.CreatedAt.IsZero() || post.UpdatedAt.IsZero() {
		t.Error("timestamps should be assigned")
	}

	got, err := s.Get(ctx, post.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "hello" || len(got.Media) != 1 {
		t.Errorf("unexpected post: %+v", got)
	}

	// Изменение возвращённой копии не должно менять хранилище
	got.Media[0].Path = "changed"
	again, _ := s.Get(ctx, post.ID)
	if again.Media[0].Path != "uploads/a.png" {
		t.Error("store must return copies")
	}
}

func TestMemoryStore_CreateDuplicate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	post := &domain.Post{ID: uuid.New(), Text: "a"}
	if err := s.Create(ctx, post); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(ctx, &domain.Post{ID: post.ID, Text: "b"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	if _, err := s.Get(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Update(ctx, id, PostPatch{Text: ptrString("x")}); !errors.Is(err, ErrNotFound) {
		t.Errorf("update: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete: expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateMergesAndRefreshesUpdatedAt(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	post := &domain.Post{Text: "before", CronExpr: "0 12 * * *"}
	if err := s.Create(ctx, post); err != nil {
		t.Fatal(err)
	}

	s.now = func() time.Time { return base.Add(time.Hour) }
	updated, err := s.Update(ctx, post.ID, PostPatch{Text: ptrString("after")})
	if err != nil {
		t.Fatal(err)
	}

	if updated.Text != "after" {
		t.Errorf("text not updated: %q", updated.Text)
	}
	if updated.CronExpr != "0 12 * * *" {
		t.Error("untouched fields must be preserved")
	}
	if !updated.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Errorf("UpdatedAt should be refreshed, got %v", updated.UpdatedAt)
	}

	// Пустой patch всё равно обновляет UpdatedAt
	s.now = func() time.Time { return base.Add(2 * time.Hour) }
	updated, _ = s.Update(ctx, post.ID, PostPatch{})
	if !updated.UpdatedAt.Equal(base.Add(2 * time.Hour)) {
		t.Error("UpdatedAt should be refreshed on empty patch")
	}
}

func TestMemoryStore_ClearFields(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	post := &domain.Post{Text: "x", ScheduledTime: ptrTime(now), PublishingAt: ptrTime(now)}
	_ = s.Create(ctx, post)

	updated, err := s.Update(ctx, post.ID, PostPatch{ClearScheduledTime: true, ClearPublishingAt: true})
	if err != nil {
		t.Fatal(err)
	}
	if updated.ScheduledTime != nil || updated.PublishingAt != nil {
		t.Error("fields should be cleared")
	}
}

func TestMemoryStore_ListDueOnce(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	due1 := &domain.Post{Text: "due later", ScheduledTime: ptrTime(now.Add(-time.Minute))}
	due2 := &domain.Post{Text: "due earlier", ScheduledTime: ptrTime(now.Add(-time.Hour))}
	exact := &domain.Post{Text: "exact", ScheduledTime: ptrTime(now)}
	future := &domain.Post{Text: "future", ScheduledTime: ptrTime(now.Add(time.Minute))}
	sent := &domain.Post{Text: "sent", ScheduledTime: ptrTime(now.Add(-time.Hour)), Sent: true}
	recurring := &domain.Post{Text: "cron", ScheduledTime: ptrTime(now.Add(-time.Hour)), CronExpr: "* * * * *"}

	for _, p := range []*domain.Post{due1, due2, exact, future, sent, recurring} {
		if err := s.Create(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	due, err := s.ListDueOnce(ctx, now)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"due earlier", "due later", "exact"}
	if len(due) != len(want) {
		t.Fatalf("expected %d due posts, got %d", len(want), len(due))
	}
	for i, w := range want {
		if due[i].Text != w {
			t.Errorf("due[%d] = %q, want %q", i, due[i].Text, w)
		}
	}

	rec, _ := s.ListRecurring(ctx)
	if len(rec) != 1 || rec[0].ID != recurring.ID {
		t.Errorf("expected only the recurring post, got %+v", rec)
	}
}

func TestMemoryStore_ListAllOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	_ = s.Create(ctx, &domain.Post{Text: "cron", CronExpr: "* * * * *"})
	_ = s.Create(ctx, &domain.Post{Text: "b", ScheduledTime: ptrTime(now.Add(time.Hour))})
	_ = s.Create(ctx, &domain.Post{Text: "a", ScheduledTime: ptrTime(now)})

	all, _ := s.ListAll(ctx)
	if len(all) != 3 {
		t.Fatalf("expected 3 posts, got %d", len(all))
	}
	if all[0].Text != "a" || all[1].Text != "b" || all[2].Text != "cron" {
		t.Errorf("unexpected order: %q %q %q", all[0].Text, all[1].Text, all[2].Text)
	}
}

func TestMemoryStore_ListInFlight(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p := &domain.Post{Text: "x", ScheduledTime: ptrTime(time.Now())}
	_ = s.Create(ctx, p)
	_ = s.Create(ctx, &domain.Post{Text: "y", ScheduledTime: ptrTime(time.Now())})

	if _, err := s.Update(ctx, p.ID, PostPatch{PublishingAt: ptrTime(time.Now()), Sent: ptrBool(false)}); err != nil {
		t.Fatal(err)
	}

	inFlight, _ := s.ListInFlight(ctx)
	if len(inFlight) != 1 || inFlight[0].ID != p.ID {
		t.Errorf("expected one in-flight post, got %d", len(inFlight))
	}
}
