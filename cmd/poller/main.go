// Package main is the entry point for the poller engine and its operator
// commands.
package main

import "github.com/NotoriosTI/notorios-odoo-orders-sync-MS/cmd/poller/cmd"

func main() {
	cmd.Execute()
}
