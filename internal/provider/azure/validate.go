package azure

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/errs"
	"github.com/Chapsvision-dev/zfs-snapshot-backup/internal/retry"
)

// ensureContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (p *Provider) ensureContainer(ctx context.Context, container string) error {
	start := time.Now()
	err := retry.Do(ctx, p.ro, "azure_container_check", isAzRetryable, func(ctx context.Context) error {
		pager := p.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
			MaxResults: to.Ptr(int32(1)),
		})
		if !pager.More() {
			return nil
		}
		_, err := pager.NextPage(ctx)
		if err == nil {
			return nil
		}
		var re *azcore.ResponseError
		if errors.As(err, &re) {
			switch re.ErrorCode {
			case string(bloberror.ContainerNotFound):
				return errs.NotFoundf("container %q not found: create it first (container SAS cannot create containers)", container)
			case string(bloberror.AuthorizationFailure),
				string(bloberror.AuthorizationPermissionMismatch),
				string(bloberror.AuthenticationFailed):
				return fmt.Errorf("not authorized for container %q; ensure a container SAS with at least rwl", container)
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	log.Debug().Str("action", "azure_container_check").Str("container", container).
		Dur("elapsed_ms", time.Since(start)).Msg("container access OK")
	return nil
}

// validateSizeByList finds the exact blob and returns (found, size).
func (p *Provider) validateSizeByList(ctx context.Context, container, exactKey string) (bool, int64, error) {
	pager := p.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Prefix:     to.Ptr(exactKey),
		MaxResults: to.Ptr(int32(1)),
	})
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return false, 0, err
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name != nil && *it.Name == exactKey {
				if it.Properties != nil && it.Properties.ContentLength != nil {
					return true, *it.Properties.ContentLength, nil
				}
				return true, 0, nil
			}
		}
	}
	return false, 0, nil
}

// isAzRetryable: retry rules for Azure (timeout, 5xx, 429, 408, ServerBusy).
func isAzRetryable(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		if re.StatusCode == http.StatusTooManyRequests || re.StatusCode == http.StatusRequestTimeout {
			return true
		}
		if re.StatusCode >= 500 && re.StatusCode <= 599 {
			return true
		}
		if re.ErrorCode == string(bloberror.ServerBusy) {
			return true
		}
	}
	return false
}
