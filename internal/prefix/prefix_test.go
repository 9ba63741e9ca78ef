package prefix

import "testing"

func TestParseAndBytes(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		version int
		nbytes  int
	}{
		{"v4 slash24", "192.0.2.0/24", 4, 4},
		{"v6 slash32", "2001:db8::/32", 6, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if p.Version() != tt.version {
				t.Errorf("Version = %d, want %d", p.Version(), tt.version)
			}
			if len(p.Bytes()) != tt.nbytes {
				t.Errorf("len(Bytes()) = %d, want %d", len(p.Bytes()), tt.nbytes)
			}
		})
	}
}

func TestNewRejectsBadLength(t *testing.T) {
	addr, err := Parse("10.0.0.0/8")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := New(addr.Addr(), 0); err == nil {
		t.Error("expected error for length 0")
	}
	if _, err := New(addr.Addr(), 33); err == nil {
		t.Error("expected error for length > 32")
	}
}

func TestContains(t *testing.T) {
	outer, _ := Parse("192.0.2.0/22")
	inner, _ := Parse("192.0.2.0/24")
	other, _ := Parse("203.0.113.0/24")

	if !outer.Contains(inner) {
		t.Error("expected outer to contain inner")
	}
	if outer.Contains(other) {
		t.Error("expected outer to not contain unrelated prefix")
	}
	if inner.Contains(outer) {
		t.Error("more specific prefix cannot contain a less specific one")
	}
}
