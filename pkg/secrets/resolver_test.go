package secrets

import (
	"context"
	"testing"
)

func TestEnvFallback(t *testing.T) {
	t.Setenv("TAKOBIN_TEST_SECRET", "s3cret")

	r, err := NewResolver(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	val, err := r.GetSecret(context.Background(), "TAKOBIN_TEST_SECRET")
	if err != nil {
		t.Fatal(err)
	}
	if val != "s3cret" {
		t.Errorf("got %q", val)
	}
}

func TestEnvFallbackMissingKey(t *testing.T) {
	r, err := NewResolver(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetSecret(context.Background(), "TAKOBIN_NO_SUCH_SECRET"); err == nil {
		t.Error("missing secret returned without error")
	}
}

func TestRequirePrimaryWithoutProvider(t *testing.T) {
	t.Setenv("SECRETS_REQUIRE_PRIMARY", "true")
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")

	if _, err := NewResolver(context.Background()); err == nil {
		t.Error("expected failure with no primary provider")
	}
}
