package bridge

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum-optimism/infra/op-rerun/types"
)

const (
	MethodFetchModule           = Namespace + "_fetchModule"
	MethodResolveID             = Namespace + "_resolveID"
	MethodOnPathsCollected      = Namespace + "_onPathsCollected"
	MethodOnCollected           = Namespace + "_onCollected"
	MethodOnTaskUpdate          = Namespace + "_onTaskUpdate"
	MethodOnUserConsoleLog      = Namespace + "_onUserConsoleLog"
	MethodOnUnhandledError      = Namespace + "_onUnhandledError"
	MethodOnFinished            = Namespace + "_onFinished"
	MethodOnCancel              = Namespace + "_onCancel"
	MethodGetCountOfFailedTests = Namespace + "_getCountOfFailedTests"
)

// SubscriptionCancellations is the subscription name of RuntimeAPI.Cancellations
const SubscriptionCancellations = "cancellations"

// Client is the worker side of the runtime contract
type Client struct {
	rpc *rpc.Client
}

// NewClient wraps an established RPC client
func NewClient(c *rpc.Client) *Client {
	return &Client{rpc: c}
}

// Dial connects to a project endpoint over HTTP or WebSocket
func Dial(ctx context.Context, url string) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	return NewClient(c), nil
}

func (c *Client) FetchModule(ctx context.Context, id string, mode string) (*types.FetchResult, error) {
	var res types.FetchResult
	if err := c.rpc.CallContext(ctx, &res, MethodFetchModule, id, mode); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) ResolveID(ctx context.Context, id string, importer string, mode string) (*types.ResolveResult, error) {
	var res types.ResolveResult
	if err := c.rpc.CallContext(ctx, &res, MethodResolveID, id, importer, mode); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) OnPathsCollected(ctx context.Context, paths []string) error {
	return c.rpc.CallContext(ctx, nil, MethodOnPathsCollected, paths)
}

func (c *Client) OnCollected(ctx context.Context, files []*types.File) error {
	return c.rpc.CallContext(ctx, nil, MethodOnCollected, files)
}

func (c *Client) OnTaskUpdate(ctx context.Context, packs []types.TaskResultPack) error {
	return c.rpc.CallContext(ctx, nil, MethodOnTaskUpdate, packs)
}

func (c *Client) OnUserConsoleLog(ctx context.Context, entry types.UserConsoleLog) error {
	return c.rpc.CallContext(ctx, nil, MethodOnUserConsoleLog, entry)
}

func (c *Client) OnUnhandledError(ctx context.Context, err error, errType string) error {
	return c.rpc.CallContext(ctx, nil, MethodOnUnhandledError, types.SerializeError(err), errType)
}

func (c *Client) OnFinished(ctx context.Context, files []*types.File) error {
	return c.rpc.CallContext(ctx, nil, MethodOnFinished, files)
}

func (c *Client) OnCancel(ctx context.Context, reason types.CancelReason) error {
	return c.rpc.CallContext(ctx, nil, MethodOnCancel, reason)
}

func (c *Client) GetCountOfFailedTests(ctx context.Context) (int, error) {
	var count int
	err := c.rpc.CallContext(ctx, &count, MethodGetCountOfFailedTests)
	return count, err
}

// SubscribeCancellations delivers the reason of every cancellation to ch
func (c *Client) SubscribeCancellations(ctx context.Context, ch chan<- types.CancelReason) (*rpc.ClientSubscription, error) {
	return c.rpc.Subscribe(ctx, Namespace, ch, SubscriptionCancellations)
}

func (c *Client) Close() {
	c.rpc.Close()
}
