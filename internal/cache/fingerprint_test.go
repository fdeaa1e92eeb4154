package cache

import (
	"strings"
	"testing"
)

var fpMessages = []MessagePair{
	{Role: "system", Content: "You are terse."},
	{Role: "user", Content: "What is 2+2?"},
}

func TestFingerprintDeterministic(t *testing.T) {
	p := SamplingParams{Temperature: 0.7, TopP: 1.0, MaxTokens: 256}

	a := Fingerprint("", "gpt-4o", fpMessages, p)
	b := Fingerprint("", "gpt-4o", fpMessages, p)
	if a != b {
		t.Fatalf("same request produced different keys:\n%s\n%s", a, b)
	}
	if !strings.HasPrefix(a, "cache:") {
		t.Fatalf("key %q missing prefix", a)
	}
}

func TestFingerprintSensitivity(t *testing.T) {
	base := SamplingParams{Temperature: 0.7, TopP: 1.0, MaxTokens: 256}
	baseKey := Fingerprint("", "gpt-4o", fpMessages, base)

	cases := []struct {
		name string
		key  string
	}{
		{"different alias", Fingerprint("", "gpt-4o-mini", fpMessages, base)},
		{"different scope", Fingerprint("key-1", "gpt-4o", fpMessages, base)},
		{"different temperature", Fingerprint("", "gpt-4o", fpMessages, SamplingParams{Temperature: 0.8, TopP: 1.0, MaxTokens: 256})},
		{"different top_p", Fingerprint("", "gpt-4o", fpMessages, SamplingParams{Temperature: 0.7, TopP: 0.9, MaxTokens: 256})},
		{"different max_tokens", Fingerprint("", "gpt-4o", fpMessages, SamplingParams{Temperature: 0.7, TopP: 1.0, MaxTokens: 512})},
		{"different content", Fingerprint("", "gpt-4o", []MessagePair{fpMessages[0], {Role: "user", Content: "What is 2+3?"}}, base)},
		{"different role", Fingerprint("", "gpt-4o", []MessagePair{fpMessages[0], {Role: "assistant", Content: "What is 2+2?"}}, base)},
	}
	for _, tc := range cases {
		if tc.key == baseKey {
			t.Errorf("%s: key did not change", tc.name)
		}
	}
}

func TestFingerprintMessageOrderMatters(t *testing.T) {
	p := SamplingParams{Temperature: 0.7}
	reversed := []MessagePair{fpMessages[1], fpMessages[0]}

	if Fingerprint("", "gpt-4o", fpMessages, p) == Fingerprint("", "gpt-4o", reversed, p) {
		t.Fatal("reordered messages collided")
	}
}

func TestFingerprintFloatNormalization(t *testing.T) {
	// 0.7 and 0.70 are the same float64; representation differences in the
	// client JSON must not change the key.
	a := Fingerprint("", "m", fpMessages, SamplingParams{Temperature: 0.7})
	b := Fingerprint("", "m", fpMessages, SamplingParams{Temperature: 0.70})
	if a != b {
		t.Fatal("equivalent temperatures produced different keys")
	}
}

func TestFingerprintNoFieldBleed(t *testing.T) {
	// A message boundary must not be reproducible by concatenation tricks.
	a := Fingerprint("", "m", []MessagePair{{Role: "user", Content: "ab"}}, SamplingParams{})
	b := Fingerprint("", "m", []MessagePair{{Role: "usera", Content: "b"}}, SamplingParams{})
	if a == b {
		t.Fatal("role/content boundary collided")
	}
}
