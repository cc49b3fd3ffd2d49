package securestore

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/chinmina/chinmina-client/internal/config"
	"github.com/rs/zerolog/log"
)

// New builds the configured storage: records are kept in files, and are
// encrypted with AWS KMS when a key ARN is configured.
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	files, err := NewFileStorage(cfg.Directory)
	if err != nil {
		return nil, err
	}

	if cfg.KMSKeyARN == "" {
		log.Info().Str("dir", cfg.Directory).Msg("secure storage: file records without encryption")
		return NewEncrypted(files, NoEncryptionStrategy{}), nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	log.Info().Str("dir", cfg.Directory).Msg("secure storage: file records with KMS encryption")
	strategy := NewKMSEncryptionStrategy(kms.NewFromConfig(awsCfg), cfg.KMSKeyARN)

	return NewEncrypted(files, strategy), nil
}
