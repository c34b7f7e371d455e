// Command tenantstore inspects configured providers and runs tenant-scoped document
// operations against them.
package main

import "github.com/nimburion/tenantstore/pkg/cli"

func main() {
	cli.Execute(cli.NewCommand(cli.Options{
		Name:        "tenantstore",
		Description: "Multi-tenant document access over pooled provider connections",
		ConfigPath:  "",
	}))
}
