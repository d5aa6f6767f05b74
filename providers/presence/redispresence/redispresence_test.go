package redispresence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/leofalp/agentcanvas/core/presence"
)

func newTestStore(t *testing.T, opts ...Option) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), server
}

func touch(at time.Time, name string) func(presence.Presence, bool) (presence.Presence, error) {
	return func(current presence.Presence, _ bool) (presence.Presence, error) {
		current.Name = name
		current.LastSeen = at
		return current, nil
	}
}

func TestStore_UpdateAndList(t *testing.T) {
	ctx := context.Background()
	store, server := newTestStore(t, WithTTL(time.Minute))
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	created, err := store.Update(ctx, "graph-1", "bob", func(current presence.Presence, found bool) (presence.Presence, error) {
		if found {
			t.Fatal("record should not exist yet")
		}
		current.Name = "Bob"
		current.Cursor = &presence.Cursor{X: 4, Y: 2}
		current.LastSeen = now
		return current, nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	if created.SessionID != "graph-1" || created.ClientID != "bob" {
		t.Fatalf("ids not stamped: %+v", created)
	}
	if _, err := store.Update(ctx, "graph-1", "alice", touch(now, "Alice")); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	_, err = store.Update(ctx, "graph-1", "bob", func(current presence.Presence, found bool) (presence.Presence, error) {
		if !found || current.Cursor == nil || current.Cursor.X != 4 {
			t.Fatalf("existing record not loaded: found=%v %+v", found, current)
		}
		current.LastSeen = now.Add(time.Second)
		return current, nil
	})
	if err != nil {
		t.Fatalf("Update returned error: %v", err)
	}

	records, err := store.List(ctx, "graph-1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(records) != 2 || records[0].ClientID != "alice" || records[1].Name != "Bob" {
		t.Fatalf("unexpected records %+v", records)
	}

	if ttl := server.TTL("agentcanvas:presence:graph-1:bob"); ttl != time.Minute {
		t.Errorf("record TTL = %v, want 1m", ttl)
	}
}

func TestStore_UpdateAbortsOnMutateError(t *testing.T) {
	ctx := context.Background()
	store, server := newTestStore(t)
	abort := errors.New("not joined")

	_, err := store.Update(ctx, "s", "ghost", func(presence.Presence, bool) (presence.Presence, error) {
		return presence.Presence{}, abort
	})
	if !errors.Is(err, abort) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	if server.Exists("agentcanvas:presence:s:ghost") {
		t.Fatal("aborted update must not write")
	}
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	_, _ = store.Update(ctx, "s", "alice", touch(time.Unix(100, 0), "Alice"))

	record, err := store.Delete(ctx, "s", "alice")
	if err != nil || record.Name != "Alice" {
		t.Fatalf("Delete = %+v, %v", record, err)
	}
	if _, err := store.Delete(ctx, "s", "alice"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if records, _ := store.List(ctx, "s"); len(records) != 0 {
		t.Fatalf("records = %+v, want none", records)
	}
}

func TestStore_SweepReportsExpiredAndTTLDropped(t *testing.T) {
	ctx := context.Background()
	store, server := newTestStore(t, WithTTL(time.Minute), WithKeyPrefix("test:"))
	base := time.Unix(10_000, 0)

	_, _ = store.Update(ctx, "s", "stale", touch(base, "Stale"))
	_, _ = store.Update(ctx, "s", "fresh", touch(base.Add(20*time.Second), "Fresh"))
	_, _ = store.Update(ctx, "t", "vanished", touch(base, "Gone"))
	server.Del("test:t:vanished")

	expired, err := store.Sweep(ctx, base.Add(10*time.Second))
	if err != nil {
		t.Fatalf("Sweep returned error: %v", err)
	}
	if len(expired) != 2 {
		t.Fatalf("expired = %+v, want 2 records", expired)
	}
	if expired[0].ClientID != "stale" || expired[0].Name != "Stale" {
		t.Errorf("expired[0] = %+v, want the stale record", expired[0])
	}
	if expired[1].SessionID != "t" || expired[1].ClientID != "vanished" {
		t.Errorf("expired[1] = %+v, want the TTL-dropped record ids", expired[1])
	}

	members, err := server.SMembers("test:sessions")
	if err != nil {
		t.Fatalf("SMembers returned error: %v", err)
	}
	if len(members) != 1 || members[0] != "s" {
		t.Errorf("sessions = %v, want only s", members)
	}
}

func TestStore_WithService(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	service := presence.NewService(store)

	bob, stop := service.Subscribe("graph", "bob")
	defer stop()

	if _, _, err := service.Join(ctx, "graph", "alice", "Alice", ""); err != nil {
		t.Fatalf("Join returned error: %v", err)
	}
	<-bob
	name := "Alice L."
	if _, err := service.SetPresence(ctx, "graph", "alice", presence.Patch{Name: &name}); err != nil {
		t.Fatalf("SetPresence returned error: %v", err)
	}
	message := <-bob
	if message.Type != presence.MessageUpdate || message.Presence.Name != name {
		t.Fatalf("bob got %+v", message)
	}
	records, _ := service.List(ctx, "graph")
	if len(records) != 1 || records[0].Color != presence.ColorFor("alice") {
		t.Fatalf("records = %+v", records)
	}
}
