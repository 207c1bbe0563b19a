// Command histogram computes a histogram over many input files with one
// worker per file.
package main

import "github.com/parallel-histogram/cmd/histogram/cmd"

func main() {
	cmd.Execute()
}
