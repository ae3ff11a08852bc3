package deploykey

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"

	"keel/apperr"
)

// SecretsManagerAPI is the subset of the AWS client the store uses.
type SecretsManagerAPI interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
}

type SecretsManagerConfig struct {
	Region    string
	Endpoint  string // LocalStack and friends
	Namespace string
}

// SecretsManagerStore keeps payloads in AWS Secrets Manager. The handle
// is the secret ARN.
type SecretsManagerStore struct {
	client    SecretsManagerAPI
	namespace string
}

func NewSecretsManagerStore(ctx context.Context, cfg SecretsManagerConfig) (*SecretsManagerStore, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := secretsmanager.NewFromConfig(awsCfg, func(o *secretsmanager.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewSecretsManagerStoreWithClient(client, cfg.Namespace), nil
}

func NewSecretsManagerStoreWithClient(client SecretsManagerAPI, namespace string) *SecretsManagerStore {
	return &SecretsManagerStore{client: client, namespace: namespace}
}

func (s *SecretsManagerStore) Name() string { return "secrets_manager" }

func (s *SecretsManagerStore) Put(ctx context.Context, key, payload string) (string, error) {
	name := path.Join(s.namespace, key)
	out, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(payload),
		Description:  aws.String("keel deploy keys"),
	})
	if err == nil {
		return aws.ToString(out.ARN), nil
	}
	if apiErrorCode(err) != "ResourceExistsException" {
		return "", apperr.Wrap(apperr.CodeNetwork, err, "create secret %s", name)
	}

	// Redelivered create: overwrite the value in place.
	put, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(payload),
	})
	if err != nil {
		return "", apperr.Wrap(apperr.CodeNetwork, err, "put secret %s", name)
	}
	return aws.ToString(put.ARN), nil
}

func (s *SecretsManagerStore) Get(ctx context.Context, handle string) (string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(handle),
	})
	if err != nil {
		if apiErrorCode(err) == "ResourceNotFoundException" {
			return "", apperr.Wrap(apperr.CodeNotFound, err, "secret %s", handle)
		}
		return "", apperr.Wrap(apperr.CodeNetwork, err, "get secret %s", handle)
	}
	return aws.ToString(out.SecretString), nil
}

// Delete removes the secret immediately. An already removed secret is
// not an error.
func (s *SecretsManagerStore) Delete(ctx context.Context, handle string) error {
	_, err := s.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(handle),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if err != nil && apiErrorCode(err) != "ResourceNotFoundException" {
		return apperr.Wrap(apperr.CodeNetwork, err, "delete secret %s", handle)
	}
	return nil
}

func apiErrorCode(err error) string {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return ae.ErrorCode()
	}
	return ""
}
