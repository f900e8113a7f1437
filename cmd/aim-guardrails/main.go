package main

import "github.com/aim-oss/aim-guardrails/cmd/aim-guardrails/cmd"

func main() {
	cmd.Execute()
}
