package signlink

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mediafetch/mediafetch/internal/metrics"
)

const testSecret = "0123456789abcdef0123456789abcdef"

var testLink = Link{
	Platform: "youtube",
	URL:      "https://www.youtube.com/watch?v=dQw4w9WgXcQ",
	FormatID: "18",
	Filename: "Never Gonna Give You Up.mp4",
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestIssuer(c *clock) *Issuer {
	return NewIssuer(testSecret, time.Hour, WithClock(c.Now), WithMetrics(metrics.New()))
}

func TestIssueRedeem_RoundTrip(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	iss := newTestIssuer(c)

	token, expiresAt, err := iss.Issue(testLink, 10*time.Minute)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if want := c.now.Add(10 * time.Minute); !expiresAt.Equal(want) {
		t.Errorf("expiresAt = %v, want %v", expiresAt, want)
	}

	got, err := iss.Redeem(token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if got != testLink {
		t.Errorf("Redeem = %+v, want %+v", got, testLink)
	}

	// Redemption leaves no state behind; the token can be used again.
	if _, err := iss.Redeem(token); err != nil {
		t.Errorf("second Redeem: %v", err)
	}
	if n := iss.metrics.Counter("signed_links_total", "result", "redeemed"); n != 2 {
		t.Errorf("redeemed counter = %d, want 2", n)
	}
}

func TestRedeem_Expiry(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	iss := newTestIssuer(c)

	token, expiresAt, err := iss.Issue(testLink, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	c.now = expiresAt.Add(-time.Second)
	if _, err := iss.Redeem(token); err != nil {
		t.Errorf("one second before expiry: %v", err)
	}

	c.now = expiresAt
	if _, err := iss.Redeem(token); !errors.Is(err, ErrInvalidLink) {
		t.Errorf("at expiry: got %v, want ErrInvalidLink", err)
	}

	c.now = expiresAt.Add(time.Second)
	if _, err := iss.Redeem(token); !errors.Is(err, ErrInvalidLink) {
		t.Errorf("one second past expiry: got %v, want ErrInvalidLink", err)
	}
}

func TestRedeem_FlippedPayloadBit(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	iss := newTestIssuer(c)

	token, _, err := iss.Issue(testLink, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	parts := strings.Split(token, ".")
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		t.Fatal(err)
	}

	for _, bit := range []int{0, 8*len(payload)/2 + 3, 8*len(payload) - 1} {
		flipped := append([]byte(nil), payload...)
		flipped[bit/8] ^= 1 << (bit % 8)
		tampered := parts[0] + "." + base64.RawURLEncoding.EncodeToString(flipped) + "." + parts[2]

		if _, err := iss.Redeem(tampered); !errors.Is(err, ErrInvalidLink) {
			t.Errorf("bit %d flipped: got %v, want ErrInvalidLink", bit, err)
		}
	}
}

func TestRedeem_Rejects(t *testing.T) {
	c := &clock{now: time.Unix(1700000000, 0)}
	iss := newTestIssuer(c)
	token, _, _ := iss.Issue(testLink, time.Hour)

	other := NewIssuer("ffffffffffffffffffffffffffffffff", time.Hour, WithClock(c.Now))
	foreign, _, _ := other.Issue(testLink, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong secret", foreign},
		{"truncated signature", token[:len(token)-4]},
		{"alg none", "eyJhbGciOiJub25lIiwidHlwIjoiSldUIn0." + strings.Split(token, ".")[1] + "."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := iss.Redeem(tt.token)
			if !errors.Is(err, ErrInvalidLink) {
				t.Errorf("got %v, want ErrInvalidLink", err)
			}
			if err != nil && err.Error() != "link is invalid or expired" {
				t.Errorf("error message leaks detail: %q", err.Error())
			}
		})
	}
}

func TestClampTTL(t *testing.T) {
	iss := NewIssuer(testSecret, 2*time.Hour)

	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 2 * time.Hour},
		{time.Second, MinTTL},
		{10 * time.Minute, 10 * time.Minute},
		{48 * time.Hour, MaxTTL},
	}
	for _, tt := range tests {
		if got := iss.ClampTTL(tt.in); got != tt.want {
			t.Errorf("ClampTTL(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
