package store

import (
	"context"
	"errors"
	"testing"

	"github.com/OFFIS-RIT/okapi/pkg/common"
)

var errUnreachable = errors.New("backend unreachable")

// flakyPrimary embeds the contract and fails reads until restored.
type flakyPrimary struct {
	GraphStore
	down bool
}

func (f *flakyPrimary) GetNode(ctx context.Context, id string) (*common.Node, error) {
	if f.down {
		return nil, errUnreachable
	}
	return &common.Node{ID: id, Label: common.LabelEntity, Namespace: "public"}, nil
}

func (f *flakyPrimary) Close() error { return nil }

type stubFallback struct {
	GraphStore
	reads int
}

func (s *stubFallback) GetNode(ctx context.Context, id string) (*common.Node, error) {
	s.reads++
	return &common.Node{ID: id, Label: common.LabelEntity, Namespace: "public"}, nil
}

func (s *stubFallback) Close() error { return nil }

func TestFailover_SwitchesOnUnreachable(t *testing.T) {
	primary := &flakyPrimary{down: false}
	fallback := &stubFallback{}
	f := NewFailover(primary, fallback, func(err error) bool { return errors.Is(err, errUnreachable) })

	if _, err := f.GetNode(context.Background(), "n1"); err != nil {
		t.Fatalf("healthy primary errored: %v", err)
	}
	if f.StoreTag() != "neo4j" {
		t.Fatalf("expected neo4j tag, got %q", f.StoreTag())
	}
	if fallback.reads != 0 {
		t.Fatalf("fallback touched while primary healthy")
	}

	primary.down = true
	if _, err := f.GetNode(context.Background(), "n2"); err != nil {
		t.Fatalf("fallback read errored: %v", err)
	}
	if f.StoreTag() != "sqlite_fallback" {
		t.Fatalf("expected sqlite_fallback tag, got %q", f.StoreTag())
	}
	if fallback.reads != 1 {
		t.Fatalf("expected 1 fallback read, got %d", fallback.reads)
	}

	// Degraded mode is sticky: subsequent calls skip the primary.
	primary.down = false
	if _, err := f.GetNode(context.Background(), "n3"); err != nil {
		t.Fatalf("sticky fallback read errored: %v", err)
	}
	if fallback.reads != 2 {
		t.Fatalf("expected sticky fallback, got %d fallback reads", fallback.reads)
	}

	f.RestorePrimary()
	if f.StoreTag() != "neo4j" {
		t.Fatalf("expected restored primary tag, got %q", f.StoreTag())
	}
	if _, err := f.GetNode(context.Background(), "n4"); err != nil {
		t.Fatalf("restored primary errored: %v", err)
	}
	if fallback.reads != 2 {
		t.Fatalf("primary restored but fallback still used")
	}
}

func TestFailover_OrdinaryErrorsDoNotSwitch(t *testing.T) {
	primary := &flakyPrimary{}
	fallback := &stubFallback{}
	f := NewFailover(primary, fallback, func(err error) bool { return errors.Is(err, errUnreachable) })

	// ErrNotFound is an ordinary result, not a connectivity failure.
	if f.isUnavailable(ErrNotFound) {
		t.Fatal("classifier treats not-found as unreachable")
	}
	if f.StoreTag() != "neo4j" {
		t.Fatalf("tag changed without a connectivity failure: %q", f.StoreTag())
	}
}
