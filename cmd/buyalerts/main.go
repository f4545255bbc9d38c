package main

import "xrpl-buy-alerts/internal/cli"

func main() {
	cli.Execute()
}
