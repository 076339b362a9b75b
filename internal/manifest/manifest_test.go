package manifest

import (
	"errors"
	"testing"
)

func TestNewPreservesOrderAndNormalizes(t *testing.T) {
	m, err := New([]Entry{
		{Path: "/", Required: true},
		{Path: "manifest.json", Required: true},
		{Path: "/icon.png#large", Required: false},
	})
	if err != nil {
		t.Fatalf("new manifest: %v", err)
	}

	got := m.Resolve()
	want := []Entry{
		{Path: "/", Required: true},
		{Path: "/manifest.json", Required: true},
		{Path: "/icon.png", Required: false},
	}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("entry %d: expected %+v, got %+v", i, want[i], got[i])
		}
	}
}

func TestNewRejectsDuplicates(t *testing.T) {
	_, err := New([]Entry{
		{Path: "/app.js", Required: true},
		{Path: "app.js", Required: false},
	})
	if !errors.Is(err, ErrInvalid) {
		t.Fatalf("重复路径应返回 ErrInvalid，得到 %v", err)
	}
}

func TestNewRejectsEmpty(t *testing.T) {
	if _, err := New(nil); !errors.Is(err, ErrInvalid) {
		t.Fatalf("空清单应返回 ErrInvalid，得到 %v", err)
	}
	if _, err := New([]Entry{{Path: "  "}}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("空路径应返回 ErrInvalid，得到 %v", err)
	}
}

func TestResolveReturnsCopy(t *testing.T) {
	m, err := New([]Entry{{Path: "/", Required: true}})
	if err != nil {
		t.Fatalf("new manifest: %v", err)
	}
	entries := m.Resolve()
	entries[0].Path = "/mutated"
	if m.Resolve()[0].Path != "/" {
		t.Fatalf("Resolve must not expose internal slice")
	}
}

func TestGenerationIDStable(t *testing.T) {
	a, _ := New([]Entry{{Path: "/", Required: true}, {Path: "/manifest.json", Required: true}})
	b, _ := New([]Entry{{Path: "/", Required: true}, {Path: "manifest.json", Required: true}})
	c, _ := New([]Entry{{Path: "/", Required: true}, {Path: "/manifest.json", Required: false}})

	if a.GenerationID() != b.GenerationID() {
		t.Fatalf("equivalent manifests should share an id: %s vs %s", a.GenerationID(), b.GenerationID())
	}
	if a.GenerationID() == c.GenerationID() {
		t.Fatalf("required flag should affect the id")
	}
	if len(a.GenerationID()) != len("m-")+12 {
		t.Fatalf("unexpected id format %s", a.GenerationID())
	}
}
