// This program drives a ledger cluster from the command line.
package main

import "github.com/vetclinic/ledger/app/tooling/ledger/cmd"

func main() {
	cmd.Execute()
}
