package identity

import (
	"errors"
	"testing"
)

func TestKey_StringAndParse(t *testing.T) {
	k := New("script", 42)
	if got := k.String(); got != "script:42" {
		t.Fatalf("String() = %q, want %q", got, "script:42")
	}

	parsed, err := Parse("script:42")
	if err != nil {
		t.Fatalf("Parse: unexpected error: %v", err)
	}
	if parsed != k {
		t.Fatalf("Parse = %+v, want %+v", parsed, k)
	}

	neg, err := Parse("script:-3")
	if err != nil {
		t.Fatalf("Parse negative id: unexpected error: %v", err)
	}
	if neg.ElementID != -3 {
		t.Fatalf("ElementID = %d, want -3", neg.ElementID)
	}
}

func TestParse_Invalid(t *testing.T) {
	for _, in := range []string{"", "script", ":1", "script:", "script:abc", " script:1", "a:b:1"} {
		if _, err := Parse(in); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Parse(%q) error = %v, want ErrInvalidKey", in, err)
		}
	}
}

func TestValidateElementType(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "plain", in: "script", wantErr: false},
		{name: "dotted", in: "screenplay.scene", wantErr: false},
		{name: "empty", in: "", wantErr: true},
		{name: "padded", in: " script ", wantErr: true},
		{name: "separator", in: "a:b", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateElementType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateElementType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
		})
	}
}

func TestKey_Less(t *testing.T) {
	a := New("a", 9)
	b := New("b", 1)
	a2 := New("a", 10)
	if !a.Less(b) || b.Less(a) {
		t.Fatal("expected type ordering a < b")
	}
	if !a.Less(a2) || a2.Less(a) {
		t.Fatal("expected id ordering 9 < 10")
	}
	if a.Less(a) {
		t.Fatal("key must not be less than itself")
	}
}
