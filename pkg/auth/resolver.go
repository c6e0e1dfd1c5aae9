package auth

import (
	"context"
	"errors"
	"fmt"
	"log"

	"dataexport/pkg/apierr"
)

// Identity is the authenticated caller for one request. The zero value is unauthenticated.
type Identity struct {
	ResearcherID int64
	Username     string
	AccessKey    string
	IsAdmin      bool
}

func (i Identity) Authenticated() bool {
	return i.AccessKey != "" && i.ResearcherID != 0
}

// Resolver turns an access key / secret key pair into an Identity.
// Algorithm and Iterations are the current hashing policy; stored secrets using
// anything else are rehashed after a successful verification when the store allows it.
type Resolver struct {
	Store      CredentialStore
	Algorithm  string
	Iterations int
}

func NewResolver(store CredentialStore) *Resolver {
	return &Resolver{Store: store, Algorithm: DefaultAlgorithm, Iterations: DefaultIterations}
}

func (r *Resolver) Resolve(ctx context.Context, accessKey, secretKey string) (Identity, error) {
	if !wellFormedCredential(accessKey) || !wellFormedCredential(secretKey) {
		return Identity{}, apierr.New(apierr.MalformedCredentials, "malformed credentials")
	}
	if r.Store == nil {
		return Identity{}, errors.New("credential store not configured")
	}

	rec, err := r.Store.LookupByAccessKey(ctx, accessKey)
	if errors.Is(err, ErrCredentialNotFound) || (err == nil && !rec.Active) {
		// Burn the same PBKDF2 cost as a real comparison.
		r.dummyHash().Matches(secretKey)
		return Identity{}, apierr.New(apierr.UnknownCredentials, "unknown credentials")
	}
	if err != nil {
		return Identity{}, fmt.Errorf("lookup credential: %w", err)
	}

	stored, err := ParseSecretHash(rec.SecretHash)
	if err != nil {
		return Identity{}, apierr.Wrap(apierr.UnexpectedFailure, "unexpected failure", fmt.Errorf("stored secret for %s: %w", rec.Username, err))
	}
	if !stored.Matches(secretKey) {
		return Identity{}, apierr.New(apierr.UnknownCredentials, "unknown credentials")
	}

	r.maybeRehash(ctx, rec, stored, secretKey)

	return Identity{
		ResearcherID: rec.ResearcherID,
		Username:     rec.Username,
		AccessKey:    rec.AccessKey,
		IsAdmin:      rec.SiteAdmin,
	}, nil
}

func (r *Resolver) maybeRehash(ctx context.Context, rec *CredentialRecord, stored SecretHash, secretKey string) {
	algorithm, iterations := r.policy()
	if stored.Algorithm == algorithm && stored.Iterations == iterations {
		return
	}
	rehasher, ok := r.Store.(Rehasher)
	if !ok {
		return
	}
	upgraded, err := HashSecret(algorithm, iterations, secretKey)
	if err != nil {
		log.Printf("auth: rehash for %s: %v", rec.Username, err)
		return
	}
	if err := rehasher.UpdateSecretHash(ctx, rec.AccessKey, upgraded); err != nil {
		log.Printf("auth: store rehash for %s: %v", rec.Username, err)
	}
}

func (r *Resolver) policy() (string, int) {
	algorithm, iterations := r.Algorithm, r.Iterations
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return algorithm, iterations
}

func (r *Resolver) dummyHash() SecretHash {
	algorithm, iterations := r.policy()
	return SecretHash{Algorithm: algorithm, Iterations: iterations, Salt: "dummy-salt-for-timing"}
}

// wellFormedCredential accepts non-empty strings drawn from the base64 and url-safe base64 alphabets.
func wellFormedCredential(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '+', c == '/', c == '=', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}
