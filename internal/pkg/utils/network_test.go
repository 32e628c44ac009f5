package utils

import "testing"

func TestIsPrivateHost_WellKnownNames(t *testing.T) {
	if !IsPrivateHost("localhost") {
		t.Fatal("expected localhost to be treated as private")
	}
	if !IsPrivateHost("metadata.google.internal") {
		t.Fatal("expected the cloud metadata hostname to be treated as private")
	}
}

func TestIsPrivateHost_RawIPs(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1": true,
		"10.0.0.5":  true,
		"192.168.1.1": true,
		"169.254.1.1": true,
		"8.8.8.8":   false,
	}
	for host, want := range cases {
		if got := IsPrivateHost(host); got != want {
			t.Fatalf("IsPrivateHost(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestIsPrivateHost_UnresolvableGarbageIsNotPrivate(t *testing.T) {
	if IsPrivateHost("not a hostname nor ip!!") {
		t.Fatal("expected unparseable, unresolvable input to not be treated as private")
	}
}
