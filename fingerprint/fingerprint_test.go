package fingerprint

import "testing"

func TestFingerprintEmptyInput(t *testing.T) {
	if _, ok := Fingerprint(nil); ok {
		t.Fatalf("expected nil input to report ok=false")
	}
	if _, ok := Fingerprint([]AttributeRecord{}); ok {
		t.Fatalf("expected empty input to report ok=false")
	}
}

func TestFingerprintOrderIndependent(t *testing.T) {
	a := []AttributeRecord{
		{Period: "2026-09", Hotel: "grand-plaza", Room: "deluxe"},
		{Period: "2026-10", Hotel: "grand-plaza", Room: "suite"},
	}
	b := []AttributeRecord{a[1], a[0]}

	ka, ok := Fingerprint(a)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	kb, ok := Fingerprint(b)
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if ka != kb {
		t.Fatalf("expected order-independent keys, got %q != %q", ka, kb)
	}
}

func TestFingerprintCaseInsensitive(t *testing.T) {
	a := []AttributeRecord{{Period: "2026-09", Hotel: "Grand Plaza", Room: "Deluxe"}}
	b := []AttributeRecord{{Period: "2026-09", Hotel: "grand plaza", Room: "deluxe"}}

	ka, _ := Fingerprint(a)
	kb, _ := Fingerprint(b)
	if ka != kb {
		t.Fatalf("expected case-insensitive keys, got %q != %q", ka, kb)
	}
}

func TestFingerprintDistinguishesAttributes(t *testing.T) {
	a := []AttributeRecord{{Period: "2026-09", Hotel: "grand-plaza", Room: "deluxe"}}
	b := []AttributeRecord{{Period: "2026-09", Hotel: "grand-plaza", Room: "suite"}}

	ka, _ := Fingerprint(a)
	kb, _ := Fingerprint(b)
	if ka == kb {
		t.Fatalf("expected distinct attributes to produce distinct keys")
	}
}

func TestFingerprintHasNamespace(t *testing.T) {
	k, ok := Fingerprint([]AttributeRecord{{Period: "p", Hotel: "h", Room: "r"}})
	if !ok {
		t.Fatalf("expected ok=true")
	}
	if len(k) <= len(Namespace) || k[:len(Namespace)] != Namespace {
		t.Fatalf("expected key to start with namespace %q, got %q", Namespace, k)
	}
}

func TestFingerprintMissingFieldsNotDefaulted(t *testing.T) {
	a := []AttributeRecord{{Period: "2026-09", Hotel: "grand-plaza"}}
	b := []AttributeRecord{{Period: "2026-09", Hotel: "grand-plaza", Room: ""}}

	ka, _ := Fingerprint(a)
	kb, _ := Fingerprint(b)
	if ka != kb {
		t.Fatalf("expected an absent field and an empty field to canonicalize the same way")
	}
}
