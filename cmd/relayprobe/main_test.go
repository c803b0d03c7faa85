package main

import (
	"encoding/json"
	"testing"
)

func TestWSURLFor(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:8000", want: "ws://127.0.0.1:8000/ws"},
		{base: "https://relay.example.com/api/", want: "wss://relay.example.com/api/ws"},
		{base: "ftp://relay.example.com", wantErr: true},
		{base: "http://", wantErr: true},
	}
	for _, tc := range tests {
		got, err := wsURLFor(tc.base)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("wsURLFor(%q) error = nil, want error", tc.base)
			}
			continue
		}
		if err != nil {
			t.Fatalf("wsURLFor(%q) error = %v", tc.base, err)
		}
		if got != tc.want {
			t.Fatalf("wsURLFor(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestParseFlagsRequiresInput(t *testing.T) {
	if _, err := parseFlags(nil); err == nil {
		t.Fatalf("parseFlags() error = nil, want error without -wav or -text")
	}
	cfg, err := parseFlags([]string{"-text", " mi número es 42 ", "-timeout-ms", "10"})
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	if cfg.text != "mi número es 42" {
		t.Fatalf("text = %q", cfg.text)
	}
	if cfg.timeout.Seconds() != 1 {
		t.Fatalf("timeout = %s, want 1s", cfg.timeout)
	}
}

func TestUserTextCarriesUtterance(t *testing.T) {
	raw, err := json.Marshal(userText("hola"))
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var got struct {
		Type string `json:"type"`
		Item struct {
			Role    string `json:"role"`
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"item"`
	}
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got.Type != "conversation.item.create" || got.Item.Role != "user" || len(got.Item.Content) != 1 || got.Item.Content[0].Text != "hola" {
		t.Fatalf("unexpected message: %s", raw)
	}
}
