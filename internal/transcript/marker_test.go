package transcript

import "testing"

func TestParseCompletionMarker(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantOK     bool
		wantStatus string
		wantReason string
	}{
		{
			name:       "done",
			output:     "all tests pass\nMACROPLAN_STATUS: done\n",
			wantOK:     true,
			wantStatus: "done",
		},
		{
			name:       "failed with reason",
			output:     "MACROPLAN_STATUS: failed migration script is missing\n",
			wantOK:     true,
			wantStatus: "failed",
			wantReason: "migration script is missing",
		},
		{
			name:       "blocked",
			output:     "cannot proceed\nMACROPLAN_STATUS: blocked waiting on API credentials",
			wantOK:     true,
			wantStatus: "blocked",
			wantReason: "waiting on API credentials",
		},
		{
			name:       "indented marker",
			output:     "  MACROPLAN_STATUS: done\n",
			wantOK:     true,
			wantStatus: "done",
		},
		{
			name:   "no marker",
			output: "finished everything successfully",
			wantOK: false,
		},
		{
			name:   "unknown status ignored",
			output: "MACROPLAN_STATUS: maybe\n",
			wantOK: false,
		},
		{
			name:   "mid-line mention ignored",
			output: "I will print MACROPLAN_STATUS: done when finished",
			wantOK: false,
		},
		{
			name:       "last marker wins",
			output:     "MACROPLAN_STATUS: failed early crash\nretrying...\nMACROPLAN_STATUS: done\n",
			wantOK:     true,
			wantStatus: "done",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := ParseCompletionMarker(tt.output)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if m.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", m.Status, tt.wantStatus)
			}
			if m.Reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", m.Reason, tt.wantReason)
			}
		})
	}
}
