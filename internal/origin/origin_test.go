package origin

import "testing"

func TestNormalizeHeader(t *testing.T) {
	t.Run("normalizes scheme, host and default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://Localhost:6000")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:6000" || host != "localhost:6000" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("allows trailing slash", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" {
			t.Fatalf("normalized=%q, want %q", normalized, "http://localhost:5173")
		}
		if host != "localhost:5173" {
			t.Fatalf("host=%q, want %q", host, "localhost:5173")
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q, want normalized=%q host=%q", normalized, host, "null", "")
		}
	})

	t.Run("rejects scheme other than http/https", func(t *testing.T) {
		if _, _, ok := NormalizeHeader("ftp://example.com"); ok {
			t.Fatalf("expected ok=false")
		}
	})

	t.Run("rejects path, query, credentials, fragment", func(t *testing.T) {
		cases := []string{
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestPolicyCheck(t *testing.T) {
	t.Run("empty allow-list admits every origin", func(t *testing.T) {
		for _, o := range []string{"https://app.example.com", "null", "not a url"} {
			if _, ok := AllowAll().Check(o, "relay.example.com"); !ok {
				t.Fatalf("Check(%q) rejected under allow-all", o)
			}
		}
	})

	t.Run("missing origin header is admitted", func(t *testing.T) {
		p := Policy{Allowed: []string{"https://app.example.com"}}
		normalized, ok := p.Check("", "relay.example.com")
		if !ok || normalized != "" {
			t.Fatalf("Check(\"\")=(%q,%v), want (\"\",true)", normalized, ok)
		}
	})

	t.Run("explicit origin", func(t *testing.T) {
		p := Policy{Allowed: []string{"https://app.example.com"}}
		normalized, ok := p.Check("HTTPS://App.Example.com:443", "relay.example.com")
		if !ok || normalized != "https://app.example.com" {
			t.Fatalf("Check=(%q,%v), want (%q,true)", normalized, ok, "https://app.example.com")
		}
		if _, ok := p.Check("https://evil.example.com", "relay.example.com"); ok {
			t.Fatalf("expected non-matching origin to be rejected")
		}
		if _, ok := p.Check("ftp://app.example.com", "relay.example.com"); ok {
			t.Fatalf("expected malformed origin to be rejected by a non-empty list")
		}
	})

	t.Run("self matches request host", func(t *testing.T) {
		p := Policy{Allowed: []string{SelfEntry}}
		if _, ok := p.Check("https://relay.example.com", "relay.example.com"); !ok {
			t.Fatalf("expected same-host origin to be allowed")
		}
		if _, ok := p.Check("https://relay.example.com", "relay.example.com:443"); !ok {
			t.Fatalf("expected default port to be equivalent")
		}
		if _, ok := p.Check("https://other.example.com", "relay.example.com"); ok {
			t.Fatalf("expected different host to be rejected")
		}
		if _, ok := p.Check("null", "relay.example.com"); ok {
			t.Fatalf("expected null origin to be rejected by self")
		}
	})

	t.Run("star and null entries", func(t *testing.T) {
		if _, ok := (Policy{Allowed: []string{"*"}}).Check("https://a.example", "b.example"); !ok {
			t.Fatalf("expected * to allow any origin")
		}
		if _, ok := (Policy{Allowed: []string{"null"}}).Check("null", "b.example"); !ok {
			t.Fatalf("expected null origin to be allowed when configured")
		}
	})
}
