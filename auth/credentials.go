package auth

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
)

// Credentials authorize staging uploads, and bulk loads which read staged
// objects. They must never be logged: String and GoString redact secrets.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

func (c Credentials) String() string {
	return fmt.Sprintf("Credentials{AccessKeyID: %s, SecretAccessKey: <redacted>}", maskKeyID(c.AccessKeyID))
}

func (c Credentials) GoString() string { return c.String() }

// CredentialProvider supplies Credentials.
type CredentialProvider interface {
	Credentials(ctx context.Context) (Credentials, error)
}

// StaticProvider is a CredentialProvider of fixed Credentials.
type StaticProvider Credentials

func (p StaticProvider) Credentials(context.Context) (Credentials, error) {
	if p.AccessKeyID == "" || p.SecretAccessKey == "" {
		return Credentials{}, fmt.Errorf("static credentials are incomplete")
	}
	return Credentials(p), nil
}

// AWSProvider is a CredentialProvider of the AWS default credential chain
// (environment, shared credentials file & profile, and instance roles).
// Expiring credentials are refreshed as needed.
type AWSProvider struct {
	creds *credentials.Credentials
}

// NewAWSProvider returns an AWSProvider using the named shared-config
// profile, or the default profile if empty.
func NewAWSProvider(profile string) (*AWSProvider, error) {
	var sess, err = session.NewSessionWithOptions(session.Options{
		Profile:           profile,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("constructing AWS session: %w", err)
	}
	return &AWSProvider{creds: sess.Config.Credentials}, nil
}

// NewAWSProviderWith returns an AWSProvider of the given aws Credentials.
func NewAWSProviderWith(creds *credentials.Credentials) *AWSProvider {
	return &AWSProvider{creds: creds}
}

func (p *AWSProvider) Credentials(ctx context.Context) (Credentials, error) {
	var v, err = p.creds.GetWithContext(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("retrieving AWS credentials: %w", err)
	}
	return Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}, nil
}

func maskKeyID(id string) string {
	if len(id) <= 4 {
		return "****"
	}
	return "****" + id[len(id)-4:]
}
