package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ErrDocNotFound is returned by Save when the metadata service doesn't know
// the document. Callers treat it as a terminal failure for that document.
var ErrDocNotFound = errors.New("document not known to metadata service")

// Client wraps SnapshotsClient with per-call deadlines and error mapping.
type Client struct {
	sc      SnapshotsClient
	timeout time.Duration
}

// NewClient returns a Client over |cc| applying |timeout| to every call.
func NewClient(cc grpc.ClientConnInterface, timeout time.Duration) *Client {
	return &Client{sc: NewSnapshotsClient(cc), timeout: timeout}
}

// Dial connects to the snapshot RPC service at |addr|.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	var cc, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dialing snapshot service %q: %w", addr, err)
	}
	return NewClient(cc, timeout), nil
}

// Get fetches the last persisted snapshot of |docID|, if one exists.
func (c *Client) Get(ctx context.Context, docID string) (has bool, snapshot []byte, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.sc.Get(ctx, &GetRequest{DocId: docID})
	if err != nil {
		return false, nil, fmt.Errorf("fetching snapshot of %q: %w", docID, err)
	}
	return resp.HasSnapshot, resp.Snapshot, nil
}

// Save persists |snapshot| as the new full state of |docID|, overwriting any
// prior snapshot. Returns ErrDocNotFound if the metadata service doesn't
// know the document.
func (c *Client) Save(ctx context.Context, docID string, snapshot []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var _, err = c.sc.Save(ctx, &SaveRequest{DocId: docID, Snapshot: snapshot})
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("saving snapshot of %q: %w", docID, ErrDocNotFound)
	} else if err != nil {
		return fmt.Errorf("saving snapshot of %q: %w", docID, err)
	}
	return nil
}
