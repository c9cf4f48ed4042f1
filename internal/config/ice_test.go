package config

import (
	"strings"
	"testing"
)

func TestParseICEServersJSON(t *testing.T) {
	raw := `[
		{"urls": "stun:stun.example.com:3478"},
		{"urls": ["turn:turn.example.com:3478", "turns:turn.example.com:5349"], "username": "u", "credential": "p"}
	]`
	servers, err := ParseICEServersJSON(raw, false)
	if err != nil {
		t.Fatalf("ParseICEServersJSON: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%v", servers)
	}
	if len(servers[0].URLs) != 1 || servers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("stun entry=%+v", servers[0])
	}
	if len(servers[1].URLs) != 2 || servers[1].Username != "u" {
		t.Fatalf("turn entry=%+v", servers[1])
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "p" {
		t.Fatalf("turn credential=%v", servers[1].Credential)
	}
}

func TestParseICEServersJSONRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "stun:stun.example.com"},
		{name: "empty urls", raw: `[{"urls": []}]`},
		{name: "bad scheme", raw: `[{"urls": "https://example.com"}]`},
		{name: "turn without username", raw: `[{"urls": "turn:t.example.com", "credential": "p"}]`},
		{name: "turn without credential", raw: `[{"urls": "turn:t.example.com", "username": "u"}]`},
	}
	for _, tc := range cases {
		if _, err := ParseICEServersJSON(tc.raw, false); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestParseICEServersJSONTURNRESTRelaxesCredentials(t *testing.T) {
	raw := `[{"urls": "turn:turn.example.com:3478"}]`
	if _, err := ParseICEServersJSON(raw, false); err == nil {
		t.Fatalf("credential-less turn accepted without turn rest")
	}
	servers, err := ParseICEServersJSON(raw, true)
	if err != nil {
		t.Fatalf("credential-less turn rejected with turn rest: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers=%v", servers)
	}
}

func TestParseICEServersFromConvenienceEnv(t *testing.T) {
	servers, err := ParseICEServersFromConvenienceEnv(
		"stun:a.example.com, stun:b.example.com",
		"turn:t.example.com",
		"user", "pass",
		false,
	)
	if err != nil {
		t.Fatalf("ParseICEServersFromConvenienceEnv: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("servers=%v", servers)
	}
	if len(servers[0].URLs) != 2 {
		t.Fatalf("stun urls=%v", servers[0].URLs)
	}
	if servers[1].Username != "user" {
		t.Fatalf("turn entry=%+v", servers[1])
	}
}

func TestConvenienceEnvTURNRequiresCredentials(t *testing.T) {
	_, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "", "", false)
	if err == nil || !strings.Contains(err.Error(), "both must be set") {
		t.Fatalf("err=%v", err)
	}

	// TURN REST replaces static credentials.
	servers, err := ParseICEServersFromConvenienceEnv("", "turn:t.example.com", "", "", true)
	if err != nil {
		t.Fatalf("turn rest variant rejected: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("servers=%v", servers)
	}
}
