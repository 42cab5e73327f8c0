package client

import (
	"context"
	"fmt"
)

type UploadOptions struct {
	Mode       string
	Public     bool
	OnProgress func(int)
	// OnInitiated is called once the transfer id is known, before any bytes
	// are sent.
	OnInitiated func(*Initiated)
}

type UploadResult struct {
	TransferID    string
	AccountID     string
	RetrievalPath string
}

// Upload initiates a transfer for u and relays its contents.
func (c *Client) Upload(ctx context.Context, u *Upload, opts UploadOptions) (*UploadResult, error) {
	started, err := c.Initiate(ctx, InitiateRequest{
		Filename:    u.Name,
		Size:        u.Size,
		ContentType: u.ContentType,
		Public:      opts.Public,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate upload: %w", err)
	}
	if opts.OnInitiated != nil {
		opts.OnInitiated(started)
	}

	path, err := c.Relay(ctx, started.RelayURL, opts.Mode, u.File, started.ChunkSize, opts.OnProgress)
	if err != nil {
		return &UploadResult{TransferID: started.TransferID, AccountID: started.AccountID}, err
	}

	return &UploadResult{
		TransferID:    started.TransferID,
		AccountID:     started.AccountID,
		RetrievalPath: path,
	}, nil
}
