package temporal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mirror-protocol/mirrorx/pkg/indexer/reconcile"
	"github.com/mirror-protocol/mirrorx/pkg/retry"
	"github.com/mirror-protocol/mirrorx/pkg/utils"
	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	taskqueuepb "go.temporal.io/api/taskqueue/v1"
	"go.temporal.io/api/workflowservice/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/log"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/durationpb"
)

type Client struct {
	TClient   client.Client
	Namespace string
	HostPort  string

	ReconcileQueue string

	logger *zap.Logger
}

type Health struct {
	ConnectionOK   bool                      `json:"connection_ok"`
	ReconcileQueue []*taskqueuepb.PollerInfo `json:"reconcile_queue"`
}

// NewClient connects to TEMPORAL_HOSTPORT / TEMPORAL_NAMESPACE, retrying until the server answers health checks.
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	host := utils.Env("TEMPORAL_HOSTPORT", "localhost:7233")
	ns := utils.Env("TEMPORAL_NAMESPACE", DefaultNamespace)

	logger.Info("Connecting to Temporal", zap.String("host", host), zap.String("namespace", ns))

	var tClient client.Client
	err := retry.WithBackoff(connCtx, retry.DefaultConfig(), logger, "temporal_connection", func() error {
		var err error
		tClient, err = Dial(connCtx, host, ns, NewZapAdapter(logger))
		if err != nil {
			return err
		}
		_, err = tClient.CheckHealth(connCtx, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Client{
		TClient:        tClient,
		Namespace:      ns,
		HostPort:       host,
		ReconcileQueue: QueueReconcile,
		logger:         logger,
	}, nil
}

// Dial connects to Temporal using the provided hostPort and namespace.
func Dial(ctx context.Context, hostPort, namespace string, logger log.Logger) (client.Client, error) {
	return client.DialContext(
		ctx,
		client.Options{
			HostPort:  hostPort,
			Namespace: namespace,
			Logger:    logger,
		},
	)
}

// EnsureNamespace registers the namespace when the server does not know it yet.
func (c *Client) EnsureNamespace(ctx context.Context, retention time.Duration) error {
	nsClient, err := client.NewNamespaceClient(client.Options{
		HostPort: c.HostPort,
		Logger:   NewZapAdapter(c.logger),
	})
	if err != nil {
		return fmt.Errorf("failed to create namespace client: %w", err)
	}
	defer nsClient.Close()

	for {
		_, err = nsClient.Describe(ctx, c.Namespace)
		if err == nil {
			return nil
		}
		var notFound *serviceerror.NamespaceNotFound
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to describe namespace: %w", err)
		}

		err = nsClient.Register(ctx, &workflowservice.RegisterNamespaceRequest{
			Namespace:                        c.Namespace,
			WorkflowExecutionRetentionPeriod: durationpb.New(retention),
		})
		var exists *serviceerror.NamespaceAlreadyExists
		if err != nil && !errors.As(err, &exists) {
			return fmt.Errorf("failed to register namespace: %w", err)
		}

		// registration is eventually visible
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// StartReconcile starts the reconcile workflow. While one run is in flight, later triggers attach to it.
func (c *Client) StartReconcile(ctx context.Context, steps reconcile.Steps) (client.WorkflowRun, error) {
	return c.TClient.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       WorkflowIDReconcile,
		TaskQueue:                c.ReconcileQueue,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
		WorkflowIDReusePolicy:    enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
		WorkflowExecutionTimeout: time.Hour,
	}, ReconcileWorkflowName, steps)
}

// Health reports the pollers on the reconcile queue.
func (c *Client) Health(ctx context.Context) (Health, error) {
	h := Health{ConnectionOK: true}
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if _, err := c.TClient.CheckHealth(ctx, nil); err != nil {
		h.ConnectionOK = false
		return h, err
	}
	svc := c.TClient.WorkflowService()
	if svc != nil {
		if rep, err := svc.DescribeTaskQueue(ctx, &workflowservice.DescribeTaskQueueRequest{
			Namespace:     c.Namespace,
			TaskQueue:     &taskqueuepb.TaskQueue{Name: c.ReconcileQueue},
			TaskQueueType: enums.TASK_QUEUE_TYPE_WORKFLOW,
		}); err == nil {
			h.ReconcileQueue = rep.GetPollers()
		}
	}
	return h, nil
}

func (c *Client) Close() {
	if c.TClient != nil {
		c.TClient.Close()
	}
}
