// Package secrets loads the wallet key and API token from the environment or AWS Secrets Manager.
package secrets

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/riftexchange/rift-client/internal/eth"
)

var (
	ErrInvalidConfig = errors.New("secrets: invalid config")
	ErrNotFound      = errors.New("secrets: not found")
)

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
}

type awsClient interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSProvider reads Secrets Manager. A key of the form "<secret-id>#<field>" selects one field of a
// JSON object secret.
type AWSProvider struct {
	client awsClient
}

func NewAWS(ctx context.Context) (*AWSProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: load aws config: %v", ErrInvalidConfig, err)
	}
	return NewAWSWithClient(secretsmanager.NewFromConfig(cfg))
}

func NewAWSWithClient(client awsClient) (*AWSProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil secretsmanager client", ErrInvalidConfig)
	}
	return &AWSProvider{client: client}, nil
}

func (p *AWSProvider) Get(ctx context.Context, key string) (string, error) {
	id, field, _ := strings.Cut(strings.TrimSpace(key), "#")
	if id == "" {
		return "", fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &id})
	if err != nil {
		return "", fmt.Errorf("secrets: get secret %q: %w", id, err)
	}

	var v string
	switch {
	case out.SecretString != nil:
		v = strings.TrimSpace(*out.SecretString)
	case len(out.SecretBinary) > 0:
		v = strings.TrimSpace(string(out.SecretBinary))
	}
	if v == "" {
		return "", fmt.Errorf("%w: secret %q has no value", ErrNotFound, id)
	}
	if field == "" {
		return v, nil
	}

	var obj map[string]string
	if err := json.Unmarshal([]byte(v), &obj); err != nil {
		return "", fmt.Errorf("%w: secret %q is not a JSON object of strings", ErrInvalidConfig, id)
	}
	fv := strings.TrimSpace(obj[field])
	if fv == "" {
		return "", fmt.Errorf("%w: secret %q has no field %q", ErrNotFound, id, field)
	}
	return fv, nil
}

type EnvProvider struct{}

func NewEnv() *EnvProvider { return &EnvProvider{} }

func (p *EnvProvider) Get(_ context.Context, key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty env key", ErrInvalidConfig)
	}
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", fmt.Errorf("%w: env %s is empty", ErrNotFound, key)
	}
	return v, nil
}

// Source names where a secret lives. Exactly one of Env and AWSSecret must be set.
type Source struct {
	Env       string
	AWSSecret string
}

// Resolve reads src from the environment or, for AWSSecret, from aws (built lazily with NewAWS
// when nil).
func Resolve(ctx context.Context, src Source, aws Provider) (string, error) {
	env, sec := strings.TrimSpace(src.Env), strings.TrimSpace(src.AWSSecret)
	switch {
	case env != "" && sec != "":
		return "", fmt.Errorf("%w: set only one of env and aws secret", ErrInvalidConfig)
	case env != "":
		return NewEnv().Get(ctx, env)
	case sec != "":
		if aws == nil {
			p, err := NewAWS(ctx)
			if err != nil {
				return "", err
			}
			aws = p
		}
		return aws.Get(ctx, sec)
	default:
		return "", fmt.Errorf("%w: no secret source", ErrInvalidConfig)
	}
}

// PrivateKey resolves src and parses it as a hex secp256k1 key.
func PrivateKey(ctx context.Context, src Source, aws Provider) (*ecdsa.PrivateKey, error) {
	v, err := Resolve(ctx, src, aws)
	if err != nil {
		return nil, err
	}
	key, err := eth.ParsePrivateKeyHex(v)
	if err != nil {
		return nil, fmt.Errorf("%w: wallet key: %v", ErrInvalidConfig, err)
	}
	return key, nil
}
