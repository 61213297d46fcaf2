// Command smlmstore organizes SMLM acquisitions into a datastore and runs
// clustering and drift correction on the stored localizations.
package main

import "github.com/mesh-intelligence/smlmstore/internal/cli"

func main() {
	cli.Execute()
}
