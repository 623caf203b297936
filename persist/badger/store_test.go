package badger_test

import (
	"context"
	"testing"

	"github.com/a-cube-io/opqueue/item"
	"github.com/a-cube-io/opqueue/persist"
	badgerstore "github.com/a-cube-io/opqueue/persist/badger"
	"github.com/a-cube-io/opqueue/persist/persisttest"
)

func openStore(t *testing.T, opts ...badgerstore.Option) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.Open("", opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	for _, codec := range []persist.Codec{persist.Msgpack, persist.JSON} {
		t.Run(codec.Name(), func(t *testing.T) {
			persisttest.Run(t, func(t *testing.T) persist.Backend {
				return openStore(t, badgerstore.WithCodec(codec))
			})
		})
	}
}

func TestReopenOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := badgerstore.Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	want := persisttest.NewItem(item.ResourceReceipts, item.PriorityCritical)
	if err := s.Save(ctx, []*item.Item{want}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = badgerstore.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 1 || got[0].ID != want.ID {
		t.Fatalf("Load = %v, want [%v]", got, want.ID)
	}
}

func TestPingAfterClose(t *testing.T) {
	s, err := badgerstore.Open("")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = s.Close()
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("Ping after Close should fail")
	}
}
