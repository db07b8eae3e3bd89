// -----------------------------------------------------------------------
// Durable engine connection and worker registration
// -----------------------------------------------------------------------

package temporal

import (
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/ternarybob/fresco/internal/activities"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/workflows"
)

// Dial connects to the Temporal frontend
func Dial(cfg *common.TemporalConfig) (client.Client, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", cfg.HostPort, err)
	}
	return c, nil
}

// NewWorker registers the workflows and activities on the task queue
func NewWorker(c client.Client, taskQueue string, acts *activities.Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.JobWorkflow)
	w.RegisterWorkflow(workflows.ChainWorkflow)
	w.RegisterActivity(acts)
	return w
}
