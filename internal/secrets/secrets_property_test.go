package secrets

import (
	"errors"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	svc, err := NewService(&Config{PublicKey: pub, PrivateKey: priv}, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

// Opening a sealed value yields the original plaintext.
func TestSealOpenRoundTrip(t *testing.T) {
	svc := newTestService(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("open(seal(x)) == x", prop.ForAll(
		func(plaintext string) bool {
			sealed, err := svc.Seal([]byte(plaintext))
			if err != nil {
				return false
			}
			opened, err := svc.Open(sealed)
			if err != nil {
				return false
			}
			return string(opened) == plaintext
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestPublicKeyDerivedFromPrivate(t *testing.T) {
	pub, priv, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	svc, err := NewService(&Config{PrivateKey: priv}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if svc.PublicKey() != pub {
		t.Errorf("PublicKey = %q, want %q", svc.PublicKey(), pub)
	}
	if !svc.CanSeal() || !svc.CanOpen() {
		t.Error("service with a private key cannot seal and open")
	}
}

func TestMissingKeys(t *testing.T) {
	svc, err := NewService(&Config{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Seal([]byte("x")); !errors.Is(err, ErrNoPublicKey) {
		t.Errorf("Seal = %v, want ErrNoPublicKey", err)
	}
	if _, err := svc.Open("eA=="); !errors.Is(err, ErrNoPrivateKey) {
		t.Errorf("Open = %v, want ErrNoPrivateKey", err)
	}
}

func TestInvalidKeys(t *testing.T) {
	for _, cfg := range []*Config{
		{PublicKey: "age1notakey"},
		{PrivateKey: "AGE-SECRET-KEY-1BOGUS"},
	} {
		if _, err := NewService(cfg, nil); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("NewService(%+v) = %v, want ErrInvalidKey", cfg, err)
		}
	}
}

func TestOpenRejectsForeignCiphertext(t *testing.T) {
	a, b := newTestService(t), newTestService(t)
	sealed, err := a.Seal([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Open(sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open with another key = %v, want ErrDecryptionFailed", err)
	}
	if _, err := a.Open("!!not base64!!"); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open of garbage = %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenAll(t *testing.T) {
	svc := newTestService(t)
	one, _ := svc.Seal([]byte("1"))
	two, _ := svc.Seal([]byte("2"))

	got, err := svc.OpenAll(map[string]string{"ONE": one, "TWO": two})
	if err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	if got["ONE"] != "1" || got["TWO"] != "2" {
		t.Errorf("OpenAll = %v", got)
	}

	_, err = svc.OpenAll(map[string]string{"ONE": one, "BAD": "eA=="})
	if err == nil || !strings.Contains(err.Error(), "BAD") {
		t.Errorf("OpenAll with a bad value = %v, want an error naming BAD", err)
	}

	if got, err := svc.OpenAll(nil); got != nil || err != nil {
		t.Errorf("OpenAll(nil) = %v, %v", got, err)
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name   string
		values []string
		in     string
		want   string
	}{
		{"no secrets", nil, "token=abc", "token=abc"},
		{"single", []string{"abc"}, "token=abc abc", "token=*** ***"},
		{"nested", []string{"abc", "abcdef"}, "x=abcdef y=abc", "x=*** y=***"},
		{"empty value ignored", []string{""}, "plain", "plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := string(NewRedactor(tt.values...).Redact([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("Redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}

	var nilRedactor *Redactor
	if got := string(nilRedactor.Redact([]byte("x"))); got != "x" {
		t.Errorf("nil Redact = %q", got)
	}
}
