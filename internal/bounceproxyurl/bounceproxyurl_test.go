package bounceproxyurl

import "testing"

func TestURLConstructionBitExact(t *testing.T) {
	cases := []struct {
		base string
	}{
		{"http://localhost:8080/bounceproxy"},
		{"http://localhost:8080/bounceproxy/"}, // trailing slash must be idempotent
	}

	for _, c := range cases {
		b := NewBuilder(c.base)

		if got := b.CreateChannelURL("testMcid"); got != "http://localhost:8080/bounceproxy/channels/?ccid=testMcid" {
			t.Errorf("CreateChannelURL(%q) = %q", c.base, got)
		}
		if got := b.SendURL("testMcid"); got != "http://localhost:8080/bounceproxy/channels/testMcid/message/" {
			t.Errorf("SendURL(%q) = %q", c.base, got)
		}
		if got := b.DeleteChannelURL("testMcid"); got != "http://localhost:8080/bounceproxy/channels/testMcid/" {
			t.Errorf("DeleteChannelURL(%q) = %q", c.base, got)
		}
		if got := b.TimeCheckURL(); got != "http://localhost:8080/bounceproxy/time/" {
			t.Errorf("TimeCheckURL(%q) = %q", c.base, got)
		}
	}
}

func TestSendMessageSuffixRoundTrips(t *testing.T) {
	base := "http://bp.example/channels/C1"
	full := AppendSendMessageSuffix(base)
	if full != "http://bp.example/channels/C1/message/" {
		t.Fatalf("unexpected full URL: %q", full)
	}
	if got := StripSendMessageSuffix(full); got != base {
		t.Fatalf("round trip mismatch: got %q want %q", got, base)
	}
}

func TestDefaultChannelURLMatchesSendURLBase(t *testing.T) {
	b := NewBuilder("http://localhost:8080/bounceproxy")
	def := b.DefaultChannelURL("C1")
	if got := AppendSendMessageSuffix(def); got != b.SendURL("C1") {
		t.Fatalf("synthesized default URL diverges from sendURL: %q vs %q", got, b.SendURL("C1"))
	}
}
