package securestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/rs/zerolog/log"
)

// valuePrefix marks values encrypted by KMSEncryptionStrategy.
const valuePrefix = "cc-kms:"

// encryptionContextKey names the KMS encryption context entry that binds a
// ciphertext to its record key.
const encryptionContextKey = "record"

// EncryptionStrategy defines how record values are protected at rest. Two
// implementations exist: NoEncryptionStrategy (pass-through) and
// KMSEncryptionStrategy.
type EncryptionStrategy interface {
	// EncryptValue encrypts a record value. The key is bound to the
	// ciphertext so values cannot be swapped between records.
	EncryptValue(ctx context.Context, value []byte, key string) ([]byte, error)

	// DecryptValue reverses EncryptValue. The key must match the one used
	// during encryption.
	DecryptValue(ctx context.Context, stored []byte, key string) ([]byte, error)
}

// NoEncryptionStrategy stores values as-is.
type NoEncryptionStrategy struct{}

func (s NoEncryptionStrategy) EncryptValue(_ context.Context, value []byte, _ string) ([]byte, error) {
	return value, nil
}

func (s NoEncryptionStrategy) DecryptValue(_ context.Context, stored []byte, _ string) ([]byte, error) {
	return stored, nil
}

// KMSClient defines the AWS API surface required for record encryption.
type KMSClient interface {
	Encrypt(ctx context.Context, in *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// KMSEncryptionStrategy encrypts values with a symmetric AWS KMS key. The
// record key is supplied as encryption context, and the ciphertext is
// base64-encoded and prefixed with "cc-kms:" for identification.
type KMSEncryptionStrategy struct {
	client KMSClient
	keyARN string
}

func NewKMSEncryptionStrategy(client KMSClient, keyARN string) *KMSEncryptionStrategy {
	return &KMSEncryptionStrategy{client: client, keyARN: keyARN}
}

func (s *KMSEncryptionStrategy) EncryptValue(ctx context.Context, value []byte, key string) ([]byte, error) {
	out, err := s.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:             aws.String(s.keyARN),
		Plaintext:         value,
		EncryptionContext: map[string]string{encryptionContextKey: key},
	})
	if err != nil {
		return nil, fmt.Errorf("KMS encryption failed: %w", err)
	}

	encoded := valuePrefix + base64.StdEncoding.EncodeToString(out.CiphertextBlob)
	return []byte(encoded), nil
}

func (s *KMSEncryptionStrategy) DecryptValue(ctx context.Context, stored []byte, key string) ([]byte, error) {
	value := string(stored)
	if !strings.HasPrefix(value, valuePrefix) {
		return nil, fmt.Errorf("missing %q prefix: value may be unencrypted or corrupted", valuePrefix)
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, valuePrefix))
	if err != nil {
		return nil, fmt.Errorf("base64 decode failed: %w", err)
	}

	out, err := s.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:             aws.String(s.keyARN),
		CiphertextBlob:    decoded,
		EncryptionContext: map[string]string{encryptionContextKey: key},
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decryption failed: %w", err)
	}

	return out.Plaintext, nil
}

// Encrypted applies an EncryptionStrategy to values held by another Storage.
type Encrypted struct {
	wrapped  Storage
	strategy EncryptionStrategy
}

func NewEncrypted(wrapped Storage, strategy EncryptionStrategy) *Encrypted {
	return &Encrypted{wrapped: wrapped, strategy: strategy}
}

func (e *Encrypted) Read(ctx context.Context, key string) ([]byte, bool, error) {
	stored, found, err := e.wrapped.Read(ctx, key)
	if err != nil || !found {
		return nil, found, err
	}

	value, err := e.strategy.DecryptValue(ctx, stored, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("secure storage: record could not be decrypted")
		return nil, false, fmt.Errorf("decrypting record %q: %w", key, err)
	}

	return value, true, nil
}

func (e *Encrypted) Write(ctx context.Context, key string, value []byte) error {
	stored, err := e.strategy.EncryptValue(ctx, value, key)
	if err != nil {
		return fmt.Errorf("encrypting record %q: %w", key, err)
	}

	return e.wrapped.Write(ctx, key, stored)
}

func (e *Encrypted) Delete(ctx context.Context, key string) error {
	return e.wrapped.Delete(ctx, key)
}
