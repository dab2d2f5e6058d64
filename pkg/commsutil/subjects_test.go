package commsutil

import "testing"

func TestBuildSessionSubjects(t *testing.T) {
	tests := []struct {
		name    string
		prefix  string
		session string
		host    string
		ui      string
	}{
		{"default prefix", DefaultPrefix, "abc123", "bridge.abc123.host", "bridge.abc123.ui"},
		{"dotted prefix", "acme.ui", "s1", "acme.ui.s1.host", "acme.ui.s1.ui"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildHostSubject(tt.prefix, tt.session); got != tt.host {
				t.Errorf("BuildHostSubject(%q, %q) = %q, want %q", tt.prefix, tt.session, got, tt.host)
			}
			if got := BuildUISubject(tt.prefix, tt.session); got != tt.ui {
				t.Errorf("BuildUISubject(%q, %q) = %q, want %q", tt.prefix, tt.session, got, tt.ui)
			}
		})
	}
}

func TestBuildConnectAndEventSubjects(t *testing.T) {
	if got := BuildConnectSubject("bridge"); got != "bridge.connect" {
		t.Errorf("BuildConnectSubject = %q", got)
	}
	if got := BuildEventSubject("bridge", "system.heartbeat"); got != "bridge.events.system.heartbeat" {
		t.Errorf("BuildEventSubject = %q", got)
	}
}

func TestValidatePrefix(t *testing.T) {
	tests := []struct {
		prefix  string
		wantErr bool
	}{
		{"bridge", false},
		{"acme.ui", false},
		{"", true},
		{"a..b", true},
		{"bridge.*", true},
		{"bridge.>", true},
		{"has space", true},
	}

	for _, tt := range tests {
		t.Run(tt.prefix, func(t *testing.T) {
			err := ValidatePrefix(tt.prefix)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePrefix(%q) error = %v, wantErr %v", tt.prefix, err, tt.wantErr)
			}
		})
	}
}
