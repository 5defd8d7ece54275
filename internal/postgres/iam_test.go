package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestInferAWSRegionFromHost(t *testing.T) {
	cases := []struct {
		host string
		want string
	}{
		{host: "db.abc123.eu-west-1.rds.amazonaws.com", want: "eu-west-1"},
		{host: "https://db.abc123.us-east-2.rds.amazonaws.com:5432", want: "us-east-2"},
		{host: "localhost", want: ""},
		{host: "", want: ""},
	}
	for _, tc := range cases {
		if got := InferAWSRegionFromHost(tc.host); got != tc.want {
			t.Fatalf("InferAWSRegionFromHost(%q) = %q, want %q", tc.host, got, tc.want)
		}
	}
}

func TestNormalizeIAMConfigDefaults(t *testing.T) {
	cfg, err := normalizeIAMConfig(IAMConfig{Enabled: true, RoleARN: " arn:aws:iam::1:role/x "}, "db.x.ap-south-1.rds.amazonaws.com")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if cfg.Region != "ap-south-1" {
		t.Fatalf("region = %q", cfg.Region)
	}
	if cfg.RoleARN != "arn:aws:iam::1:role/x" || cfg.RoleSessionName != defaultRoleSessionName {
		t.Fatalf("unexpected role settings: %#v", cfg)
	}
	if _, err := normalizeIAMConfig(IAMConfig{Enabled: true}, "localhost"); err == nil {
		t.Fatalf("expected missing region error")
	}
}

func TestDisabledIAMProviderIsNil(t *testing.T) {
	provider, err := NewTokenProvider(context.Background(), "postgres://u@localhost/db", IAMConfig{})
	if err != nil || provider != nil {
		t.Fatalf("expected nil provider, got %v %v", provider, err)
	}
	if err := provider.ApplyToConnConfig(context.Background(), nil); err != nil {
		t.Fatalf("nil provider should be a no-op: %v", err)
	}
}

func TestTokenIsSignedAndCached(t *testing.T) {
	provider := newTokenProvider(credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""), "eu-west-1")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := provider.Token(ctx, "db.abc.eu-west-1.rds.amazonaws.com", 5432, "mirror")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if !strings.HasPrefix(first, "db.abc.eu-west-1.rds.amazonaws.com:5432/?") {
		t.Fatalf("unexpected token %s", first)
	}
	for _, part := range []string{"Action=connect", "DBUser=mirror", "X-Amz-Expires=900", "X-Amz-Signature="} {
		if !strings.Contains(first, part) {
			t.Fatalf("token %s is missing %s", first, part)
		}
	}

	now = now.Add(time.Minute)
	second, err := provider.Token(ctx, "db.abc.eu-west-1.rds.amazonaws.com", 5432, "mirror")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if second != first {
		t.Fatalf("expected cached token")
	}

	now = now.Add(tokenReuse)
	third, err := provider.Token(ctx, "db.abc.eu-west-1.rds.amazonaws.com", 5432, "mirror")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if third == first {
		t.Fatalf("expected token to be re-signed after reuse window")
	}
}

func TestTokenValidatesEndpoint(t *testing.T) {
	provider := newTokenProvider(aws.AnonymousCredentials{}, "eu-west-1")
	cases := []struct {
		host string
		port uint16
		user string
	}{
		{host: "", port: 5432, user: "u"},
		{host: "/var/run/postgresql", port: 5432, user: "u"},
		{host: "db", port: 0, user: "u"},
		{host: "db", port: 5432, user: ""},
	}
	for _, tc := range cases {
		if _, err := provider.Token(context.Background(), tc.host, tc.port, tc.user); err == nil {
			t.Fatalf("expected error for %+v", tc)
		}
	}
}

func TestApplyToConnConfigSetsPassword(t *testing.T) {
	provider := newTokenProvider(credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""), "us-east-1")
	cfg := &pgconn.Config{Host: "db.x.us-east-1.rds.amazonaws.com", Port: 5432, User: "mirror", Password: "old"}
	if err := provider.ApplyToConnConfig(context.Background(), cfg); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if cfg.Password == "old" || !strings.Contains(cfg.Password, "DBUser=mirror") {
		t.Fatalf("unexpected password %s", cfg.Password)
	}
}
