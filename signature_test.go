package dbus

import "testing"

func TestParseSignatureValid(t *testing.T) {
	tt := map[string][]string{
		"":        nil,
		"y":       {"y"},
		"ii":      {"i", "i"},
		"as":      {"as"},
		"a{sv}":   {"a{sv}"},
		"(iii)":   {"(iii)"},
		"a(ii)s":  {"a(ii)", "s"},
		"a{sa{i(si)}}": {"a{sa{i(si)}}"},
	}

	for sig, want := range tt {
		got, err := parseSignature(sig)
		if err != nil {
			t.Errorf("parseSignature(%q) returned error: %v", sig, err)
			continue
		}
		if len(got) != len(want) {
			t.Errorf("parseSignature(%q) = %v, want %v", sig, got, want)
			continue
		}
		for i := range got {
			if got[i] != want[i] {
				t.Errorf("parseSignature(%q)[%d] = %q, want %q", sig, i, got[i], want[i])
			}
		}
	}
}

func TestParseSignatureRejectsDictEntryOutsideArray(t *testing.T) {
	tt := []string{
		"{sv}",
		"({sv})",
		"({sv}i)",
	}

	for _, sig := range tt {
		if _, err := parseSignature(sig); err == nil {
			t.Errorf("parseSignature(%q) expected error, got nil", sig)
		}
	}
}

func TestParseSignatureRejectsMalformed(t *testing.T) {
	tt := []string{
		"(",
		")",
		"a",
		"a{s",
		"()",
		"{si}",
	}

	for _, sig := range tt {
		if _, err := parseSignature(sig); err == nil {
			t.Errorf("parseSignature(%q) expected error, got nil", sig)
		}
	}
}

func TestValidateSignatureRoundTrip(t *testing.T) {
	tt := []string{"", "y", "a{sv}", "(isab)", "aa{sv}"}
	for _, sig := range tt {
		if err := validateSignature(sig); err != nil {
			t.Errorf("validateSignature(%q) = %v, want nil", sig, err)
		}
		types, err := parseSignature(sig)
		if err != nil {
			t.Fatalf("parseSignature(%q): %v", sig, err)
		}
		var rendered string
		for _, ty := range types {
			rendered += ty
		}
		if rendered != sig {
			t.Errorf("re-rendering %q produced %q", sig, rendered)
		}
	}
}
