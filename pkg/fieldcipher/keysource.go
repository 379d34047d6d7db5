package fieldcipher

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// KeySource supplies the master key at startup.
type KeySource interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// HexKey is a master key given inline, hex encoded.
type HexKey string

func (k HexKey) MasterKey(_ context.Context) ([]byte, error) {
	return decodeHexKey(string(k))
}

// SecretGetter is the subset of the Secrets Manager client used here.
type SecretGetter interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerKey reads a hex encoded master key from AWS Secrets Manager.
type SecretsManagerKey struct {
	client   SecretGetter
	secretID string
}

func NewSecretsManagerKey(client SecretGetter, secretID string) *SecretsManagerKey {
	return &SecretsManagerKey{client: client, secretID: secretID}
}

// NewSecretsManagerKeyFromEnv builds a client from the default AWS credential chain.
func NewSecretsManagerKeyFromEnv(ctx context.Context, region, secretID string) (*SecretsManagerKey, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewSecretsManagerKey(secretsmanager.NewFromConfig(cfg), secretID), nil
}

func (k *SecretsManagerKey) MasterKey(ctx context.Context) ([]byte, error) {
	out, err := k.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(k.secretID),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching secret %s: %w", k.secretID, err)
	}
	secret := aws.ToString(out.SecretString)
	if secret == "" {
		return nil, errors.New("secret has no string value")
	}
	return decodeHexKey(secret)
}

func decodeHexKey(raw string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return key, nil
}
