// The spider binary harvests job records from batch schedulers and ships
// them to the search index, the message bus and the archive.
package main

import "github.com/JakeFAU/condor-spider/cmd"

func main() {
	cmd.Execute()
}
