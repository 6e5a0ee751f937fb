package events

import "testing"

func TestIsControlOnly(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindMessage, false},
		{KindCommand, false},
		{KindAction, true},
		{KindExpire, true},
		{KindHotkeyC, true},
		{KindHotkeyV, true},
	}
	for _, tc := range cases {
		e := Event{Kind: tc.kind}
		if got := e.IsControlOnly(); got != tc.want {
			t.Errorf("Event{Kind: %q}.IsControlOnly() = %v, want %v", tc.kind, got, tc.want)
		}
	}
}
