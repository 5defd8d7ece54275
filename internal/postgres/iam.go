package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultRoleSessionName = "pgmirror-rds-iam"
	// RDS accepts a token for 15 minutes; reuse it for less than that.
	tokenExpiry = 15 * time.Minute
	tokenReuse  = 10 * time.Minute
)

var emptyPayloadHash = func() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}()

// IAMConfig enables RDS IAM authentication for the source.
type IAMConfig struct {
	Enabled         bool
	Region          string
	Profile         string
	RoleARN         string
	RoleSessionName string
	RoleExternalID  string
	Endpoint        string
}

// TokenProvider signs RDS IAM auth tokens. The pool and the replication
// connection share one provider, so tokens are cached per endpoint and user.
type TokenProvider struct {
	creds  aws.CredentialsProvider
	region string
	signer *v4.Signer
	now    func() time.Time

	mu     sync.Mutex
	tokens map[tokenKey]cachedToken
}

type tokenKey struct {
	host string
	port uint16
	user string
}

type cachedToken struct {
	value    string
	signedAt time.Time
}

// NewTokenProvider builds a provider from the default AWS credential chain,
// optionally assuming a role. It returns nil when IAM auth is disabled.
func NewTokenProvider(ctx context.Context, dsn string, iam IAMConfig) (*TokenProvider, error) {
	if !iam.Enabled {
		return nil, nil
	}
	connCfg, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	iam, err = normalizeIAMConfig(iam, connCfg.Host)
	if err != nil {
		return nil, err
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(iam.Region)}
	if iam.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(iam.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if iam.Endpoint != "" {
		awsCfg.BaseEndpoint = aws.String(iam.Endpoint)
	}

	creds := awsCfg.Credentials
	if iam.RoleARN != "" {
		assume := stscreds.NewAssumeRoleProvider(sts.NewFromConfig(awsCfg), iam.RoleARN, func(o *stscreds.AssumeRoleOptions) {
			o.RoleSessionName = iam.RoleSessionName
			if iam.RoleExternalID != "" {
				o.ExternalID = aws.String(iam.RoleExternalID)
			}
		})
		creds = aws.NewCredentialsCache(assume)
	}
	return newTokenProvider(creds, iam.Region), nil
}

func newTokenProvider(creds aws.CredentialsProvider, region string) *TokenProvider {
	return &TokenProvider{
		creds:  creds,
		region: region,
		signer: v4.NewSigner(),
		now:    time.Now,
		tokens: make(map[tokenKey]cachedToken),
	}
}

// ApplyToPoolConfig sets a fresh token as the password of every new pool
// connection.
func (p *TokenProvider) ApplyToPoolConfig(cfg *pgxpool.Config) {
	if p == nil {
		return
	}
	before := cfg.BeforeConnect
	cfg.BeforeConnect = func(ctx context.Context, connCfg *pgx.ConnConfig) error {
		if before != nil {
			if err := before(ctx, connCfg); err != nil {
				return err
			}
		}
		return p.ApplyToConnConfig(ctx, &connCfg.Config)
	}
}

// ApplyToConnConfig sets a token as the password of connCfg.
func (p *TokenProvider) ApplyToConnConfig(ctx context.Context, connCfg *pgconn.Config) error {
	if p == nil {
		return nil
	}
	token, err := p.Token(ctx, connCfg.Host, connCfg.Port, connCfg.User)
	if err != nil {
		return err
	}
	connCfg.Password = token
	return nil
}

// Token returns an auth token for the endpoint and user, signing a new one
// once the cached token is close to expiry.
func (p *TokenProvider) Token(ctx context.Context, host string, port uint16, user string) (string, error) {
	if p == nil {
		return "", errors.New("rds iam provider not configured")
	}
	switch {
	case host == "" || strings.HasPrefix(host, "/"):
		return "", fmt.Errorf("rds iam requires a TCP hostname (got %q)", host)
	case port == 0:
		return "", errors.New("rds iam requires a port")
	case user == "":
		return "", errors.New("rds iam requires a user")
	}

	key := tokenKey{host: host, port: port, user: user}
	now := p.now()
	p.mu.Lock()
	cached, ok := p.tokens[key]
	p.mu.Unlock()
	if ok && now.Sub(cached.signedAt) < tokenReuse {
		return cached.value, nil
	}

	token, err := p.sign(ctx, key, now)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	p.tokens[key] = cachedToken{value: token, signedAt: now}
	p.mu.Unlock()
	return token, nil
}

func (p *TokenProvider) sign(ctx context.Context, key tokenKey, now time.Time) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("https://%s:%d", key.host, key.port), nil)
	if err != nil {
		return "", fmt.Errorf("build rds request: %w", err)
	}
	query := req.URL.Query()
	query.Set("Action", "connect")
	query.Set("DBUser", key.user)
	query.Set("X-Amz-Expires", fmt.Sprintf("%d", int(tokenExpiry.Seconds())))
	req.URL.RawQuery = query.Encode()

	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return "", fmt.Errorf("retrieve aws credentials: %w", err)
	}
	signed, _, err := p.signer.PresignHTTP(ctx, creds, req, emptyPayloadHash, "rds-db", p.region, now)
	if err != nil {
		return "", fmt.Errorf("sign rds auth token: %w", err)
	}
	return strings.TrimPrefix(signed, "https://"), nil
}

func normalizeIAMConfig(iam IAMConfig, host string) (IAMConfig, error) {
	for _, field := range []*string{&iam.Region, &iam.Profile, &iam.RoleARN, &iam.RoleSessionName, &iam.RoleExternalID, &iam.Endpoint} {
		*field = strings.TrimSpace(*field)
	}
	if iam.Region == "" {
		iam.Region = InferAWSRegionFromHost(host)
	}
	if iam.Region == "" {
		return iam, errors.New("aws region is required when rds iam auth is enabled")
	}
	if iam.RoleARN != "" && iam.RoleSessionName == "" {
		iam.RoleSessionName = defaultRoleSessionName
	}
	return iam, nil
}

// InferAWSRegionFromHost extracts the region from an RDS endpoint such as
// db.abc123.eu-west-1.rds.amazonaws.com.
func InferAWSRegionFromHost(host string) string {
	host = strings.TrimSpace(host)
	if idx := strings.Index(host, "://"); idx >= 0 {
		host = host[idx+3:]
	}
	host, _, _ = strings.Cut(host, ":")
	parts := strings.Split(host, ".")
	for i := 1; i < len(parts); i++ {
		if parts[i] == "rds" {
			return parts[i-1]
		}
	}
	return ""
}
