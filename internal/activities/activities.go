// -----------------------------------------------------------------------
// Activities - side-effectful work invoked by the durable workflows
// -----------------------------------------------------------------------

package activities

import (
	"time"

	"github.com/ternarybob/fresco/internal/balancer"
	"github.com/ternarybob/fresco/internal/comfy"
	"github.com/ternarybob/fresco/internal/common"
	"github.com/ternarybob/fresco/internal/interfaces"
	"github.com/ternarybob/fresco/internal/registry"
	"github.com/ternarybob/fresco/internal/storage/files"
)

// ClientFactory builds a backend client bound to one websocket client id
type ClientFactory func(address, clientID string) *comfy.Client

// Activities bundles every dependency the workflow activities need. One
// instance is registered per worker.
type Activities struct {
	Balancer  *balancer.Balancer
	Registry  *registry.Registry
	Storage   interfaces.StorageManager
	Files     *files.Store
	Config    *common.Config
	NewClient ClientFactory
}

// NewActivities wires the activity set with a default client factory
func NewActivities(bal *balancer.Balancer, reg *registry.Registry, storage interfaces.StorageManager, fileStore *files.Store, config *common.Config) *Activities {
	return &Activities{
		Balancer: bal,
		Registry: reg,
		Storage:  storage,
		Files:    fileStore,
		Config:   config,
		NewClient: func(address, clientID string) *comfy.Client {
			return comfy.NewClient(address, clientID, 60*time.Second)
		},
	}
}

// OutputFileRef is one file reference extracted from a history record
type OutputFileRef struct {
	Filename       string `json:"filename"`
	Subfolder      string `json:"subfolder,omitempty"`
	Kind           string `json:"kind"`
	ProducerNodeID string `json:"producer_node_id"`
}
