package auth

import (
	"context"
	"errors"
)

var ErrCredentialNotFound = errors.New("credential not found")

// CredentialRecord holds stored API credential metadata for one access key.
type CredentialRecord struct {
	AccessKey    string
	SecretHash   string // algorithm$iterations$hash$salt
	ResearcherID int64
	Username     string
	SiteAdmin    bool
	Active       bool
}

type CredentialStore interface {
	// LookupByAccessKey returns ErrCredentialNotFound when the key does not exist.
	LookupByAccessKey(ctx context.Context, accessKey string) (*CredentialRecord, error)
}

// Rehasher is implemented by stores that can upgrade a stored secret hash in place.
type Rehasher interface {
	UpdateSecretHash(ctx context.Context, accessKey, secretHash string) error
}
