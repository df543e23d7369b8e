package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
)

// Store keeps a copy of uploaded images.
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// Key is the content address used for archived images.
func Key(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Noop discards everything. It is used when archiving is disabled.
type Noop struct{}

func (Noop) Put(context.Context, string, []byte, string) error { return nil }

type azureStore struct {
	client    *azblob.Client
	container string
}

// NewAzureStore returns a Store that writes blobs into container.
func NewAzureStore(accountName, accountKey, container string) (Store, error) {
	if accountName == "" || accountKey == "" {
		return nil, errors.New("azure account name and key are required")
	}
	if container == "" {
		return nil, errors.New("azure container is required")
	}

	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net", accountName),
		credential,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}

	return &azureStore{client: client, container: container}, nil
}

func (s *azureStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: &contentType}
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, key, data, opts); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}
