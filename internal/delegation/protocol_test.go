package delegation

import "testing"

func TestIsTerminal(t *testing.T) {
	cases := []struct {
		name string
		resp Response
		want bool
	}{
		{"stream_event not done", Response{Type: "stream_event"}, false},
		{"stream_event done", Response{Type: "stream_event", Done: true}, true},
		{"setup_status", Response{Type: "setup_status"}, false},
		{"error", Response{Type: "error"}, true},
		{"session result", Response{Type: "session"}, true},
		{"search_result", Response{Type: "search_result"}, true},
		{"monitor_result", Response{Type: "monitor_result"}, true},
		{"stopped", Response{Type: "stopped"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTerminal(tc.resp); got != tc.want {
				t.Errorf("IsTerminal(%+v) = %v, want %v", tc.resp, got, tc.want)
			}
		})
	}
}

func TestAllowedCommands(t *testing.T) {
	want := []string{"search", "search_all", "run", "message", "monitor", "stop"}
	for _, c := range want {
		if !AllowedCommands[c] {
			t.Errorf("expected %q to be an allowed command", c)
		}
	}
	if AllowedCommands["delete_everything"] {
		t.Error("unexpected command allowed")
	}
}
