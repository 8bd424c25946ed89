// Command delegator-child serves one sample target for a delegator
// controller. It is spawned with the transport name, the encoded
// construction descriptor and the encoded type hints as arguments.
package main

import (
	"os"

	"github.com/smnsjas/go-delegator/child"
	"github.com/smnsjas/go-delegator/targets"
)

func main() {
	os.Exit(child.Main(os.Args[1:], targets.Registry()))
}
