// Package targets bundles the sample delegated targets shipped with the
// command-line tools.
package targets

import (
	"github.com/smnsjas/go-delegator/dispatch"
	"github.com/smnsjas/go-delegator/targets/accumulator"
	"github.com/smnsjas/go-delegator/targets/kvstore"
)

// Registry returns a registry holding every sample target and its operations.
func Registry() *dispatch.Registry {
	reg := dispatch.NewRegistry()
	accumulator.Register(reg)
	kvstore.Register(reg)
	return reg
}
