// Command agentward runs the capability-enforcement gateway that sits
// between LLM agents and the nodes that execute their commands.
package main

import "github.com/agentward/agentward/cmd/agentward/cmd"

func main() {
	cmd.Execute()
}
