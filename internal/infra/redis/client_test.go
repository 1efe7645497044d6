package redis

import "testing"

func TestParseRangeString(t *testing.T) {
	tests := []struct {
		in         string
		start, end uint64
		wantErr    bool
	}{
		{"12000-12500", 12000, 12500, false},
		{"7-7", 7, 7, false},
		{"9-3", 0, 0, true},
		{"12000", 0, 0, true},
		{"a-3", 0, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, end, err := ParseRangeString(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRangeString(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if start != tt.start || end != tt.end {
				t.Errorf("ParseRangeString(%q) = %d, %d, want %d, %d", tt.in, start, end, tt.start, tt.end)
			}
		})
	}

	if s, e, _ := ParseRangeString(FormatRange(5, 10)); s != 5 || e != 10 {
		t.Errorf("FormatRange round trip = %d-%d", s, e)
	}
}

func TestDecodeHead(t *testing.T) {
	ref, err := DecodeHead(`{"number":42,"hash":"0xabc"}`)
	if err != nil {
		t.Fatalf("DecodeHead() error = %v", err)
	}
	if ref.Number != 42 || ref.Hash != "0xabc" {
		t.Errorf("DecodeHead() = %v", ref)
	}

	for _, bad := range []string{`not json`, `{"number":1}`} {
		if _, err := DecodeHead(bad); err == nil {
			t.Errorf("DecodeHead(%q) succeeded", bad)
		}
	}
}
