// Command stratex runs the strategy execution and audit engine.
package main

import "github.com/vselivanov/stratex/cmd"

func main() {
	cmd.Execute()
}
