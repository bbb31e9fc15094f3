package inference

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// NewIDTokenSource returns a source of Google-signed ID tokens for
// audience, used when the proxy runs behind IAM. credentialsFile may be
// empty to use application default credentials.
func NewIDTokenSource(ctx context.Context, audience, credentialsFile string) (oauth2.TokenSource, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	ts, err := idtoken.NewTokenSource(ctx, audience, opts...)
	if err != nil {
		return nil, fmt.Errorf("inference: id token source: %w", err)
	}
	return oauth2.ReuseTokenSource(nil, ts), nil
}
