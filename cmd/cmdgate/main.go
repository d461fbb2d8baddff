// cmdgate — approval gate and sandbox for risky shell commands.
package main

import "github.com/sentinelops/cmdgate/internal/cli"

func main() {
	cli.Execute()
}
