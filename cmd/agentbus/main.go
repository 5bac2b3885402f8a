// Command agentbus runs an in-process agent bus with a demo analytics
// pipeline.
//
//	agentbus run                 start the bus and serve until SIGINT/SIGTERM
//	agentbus run --every 2s      also trigger the demo pipeline periodically
//	agentbus health              run the demo pipeline once and print health
//	agentbus config              print the effective configuration
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
