package types

import "testing"

type fakeRegistry map[ID]*Type

func (r fakeRegistry) TypeByID(id ID) (*Type, bool) {
	t, ok := r[id]
	return t, ok
}

func TestParseRefString(t *testing.T) {
	ref, err := ParseRef("Core.Number")
	if err != nil {
		t.Fatalf("ParseRef: %v", err)
	}
	if ref.Module != "Core" || ref.Name != "Number" {
		t.Fatalf("ParseRef = %+v, want {Core Number}", ref)
	}
}

func TestParseRefRejectsMissingPeriod(t *testing.T) {
	if _, err := ParseRef("Number"); err == nil {
		t.Fatalf("expected error for a type reference with no module separator")
	}
}

func TestParseRefFields(t *testing.T) {
	ref, err := ParseRefFields("Core", "Number")
	if err != nil {
		t.Fatalf("ParseRefFields: %v", err)
	}
	if ref.Module != "Core" || ref.Name != "Number" {
		t.Fatalf("ParseRefFields = %+v, want {Core Number}", ref)
	}
	if _, err := ParseRefFields("", "Number"); err == nil {
		t.Fatalf("expected error for empty module")
	}
}

func TestFullReference(t *testing.T) {
	ty := New(1, "Core", "Number", MemoryLayout{})
	if got := ty.FullReference(); got != "Core.Number" {
		t.Fatalf("FullReference() = %q, want Core.Number", got)
	}
}

func TestPropertyLookup(t *testing.T) {
	ty := New(1, "Core", "Vector2", MemoryLayout{})
	ty.SetProperties([]PropertyDescriptor{
		{Name: "x", Type: 2, Access: PropertyAccessIndex, Index: 0},
		{Name: "y", Type: 2, Access: PropertyAccessIndex, Index: 1},
	})
	p, ok := ty.Property("y")
	if !ok || p.Index != 1 {
		t.Fatalf("Property(y) = (%+v, %v), want index 1", p, ok)
	}
	if _, ok := ty.Property("z"); ok {
		t.Fatalf("Property(z) unexpectedly found")
	}
}

func TestIsDerivedFromAndCastToBase(t *testing.T) {
	base := New(1, "Core", "Base", MemoryLayout{})
	derived := New(2, "Core", "Derived", MemoryLayout{})
	derived.SetBase(1)
	reg := fakeRegistry{1: base, 2: derived}

	if !IsDerivedFrom(reg, derived, 1) {
		t.Fatalf("expected Derived to be derived from Base")
	}
	if !IsDerivedFrom(reg, derived, 2) {
		t.Fatalf("a type must be considered derived from itself")
	}
	if IsDerivedFrom(reg, base, 2) {
		t.Fatalf("Base must not be considered derived from Derived")
	}

	cast, err := CastToBase(reg, derived, 1)
	if err != nil || cast.ID() != 1 {
		t.Fatalf("CastToBase(derived, Base) = (%v, %v), want (Base, nil)", cast, err)
	}
	if _, err := CastToBase(reg, base, 2); err == nil {
		t.Fatalf("expected CastToBase to fail climbing from Base to Derived")
	}
}
