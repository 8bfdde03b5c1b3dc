package putio

import (
	"context"
	"fmt"
	"strconv"

	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"

	"github.com/italolelis/attachment_downloader/internal/attachment"
	"github.com/italolelis/attachment_downloader/internal/logctx"
)

// Resolver maps targets whose HashOrURL is a put.io file id to a short-lived
// download URL.
type Resolver struct {
	putioClient *putio.Client
}

func NewResolver(token string) *Resolver {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return &Resolver{putioClient: putio.NewClient(oauthClient)}
}

func (r *Resolver) ResolveURL(ctx context.Context, target attachment.Target) (string, error) {
	fileID, err := strconv.ParseInt(target.HashOrURL, 10, 64)
	if err != nil {
		return "", fmt.Errorf("invalid put.io file id %q: %w", target.HashOrURL, err)
	}

	url, err := r.putioClient.Files.URL(ctx, fileID, false)
	if err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to get file download url", "file_id", fileID, "err", err)

		return "", fmt.Errorf("failed to get file download url: %w", err)
	}

	return url, nil
}

// Authenticate checks the token against the account endpoint.
func (r *Resolver) Authenticate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "authenticating with Put.io")

	user, err := r.putioClient.Account.Info(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "failed to get account info", "err", err)

		return fmt.Errorf("failed to get account info: %w", err)
	}

	logger.InfoContext(ctx, "authenticated with Put.io", "user", user.Username)

	return nil
}
