package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/timmy/caseboard/internal/config"
)

// NewStorage creates the ObjectStorage selected by cfg.Type.
// Returns:
//   - ObjectStorage: nil when archiving is disabled.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(ctx context.Context, cfg config.StorageConfig) (ObjectStorage, error) {
	switch strings.ToLower(cfg.Type) {
	case "", "none":
		return nil, nil
	case "local":
		local, err := NewLocalStorage(cfg.LocalDir)
		if err != nil {
			return nil, err
		}
		return local, nil
	case string(StorageTypeS3), string(StorageTypeR2), string(StorageTypeS3Compatible), "auto":
		storeType := StorageType(strings.ToLower(cfg.Type))
		if storeType == "auto" {
			storeType = detectStorageType(cfg.Endpoint)
		}
		remote, err := NewS3Storage(ctx, &S3Config{
			Type:      storeType,
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			UseSSL:    cfg.UseSSL,
			Bucket:    cfg.Bucket,
			Region:    cfg.Region,
			PublicURL: cfg.PublicURL,
		})
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// detectStorageType guesses the storage flavour from the endpoint.
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case endpoint == "" || strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
