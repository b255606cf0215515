package geo

import "testing"

func TestParseAS(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantNum int64 // 0 means unset
		wantOrg string
	}{
		{"number and org", "AS15169 Google LLC", 15169, "Google LLC"},
		{"number only", "AS13335", 13335, ""},
		{"org only", "Example Org Only", 0, "Example Org Only"},
		{"lowercase prefix is not a match", "as15169 Google", 0, "as15169 Google"},
		{"non numeric", "ASX Foo", 0, "ASX Foo"},
		{"overflow", "AS99999999999999999999 Big Org", 0, "Big Org"},
		{"empty", "", 0, ""},
		{"surrounding space", "  AS64500 Test Net  ", 64500, "Test Net"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			num, org := ParseAS(tt.in)
			if tt.wantNum == 0 {
				if num != nil {
					t.Errorf("ParseAS(%q) number = %d, want unset", tt.in, *num)
				}
			} else if num == nil || *num != tt.wantNum {
				t.Errorf("ParseAS(%q) number = %v, want %d", tt.in, num, tt.wantNum)
			}
			if org != tt.wantOrg {
				t.Errorf("ParseAS(%q) org = %q, want %q", tt.in, org, tt.wantOrg)
			}
		})
	}
}
