package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/tenancy"
)

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "Inspect the tenant directory",
}

var listTenantsCmd = &cobra.Command{
	Use:   "list",
	Short: "List database targets and their tenants",
	RunE: func(cmd *cobra.Command, args []string) error {
		directory, err := loadDirectory()
		if err != nil {
			return err
		}
		return printTargets(cmd.OutOrStdout(), directory)
	},
}

var resolveTenantsCmd = &cobra.Command{
	Use:   "resolve [tenant-id...]",
	Short: "Show the database target each tenant routes to",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		directory, err := loadDirectory()
		if err != nil {
			return err
		}
		for _, tenantID := range args {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", tenantID, directory.Resolve(tenantID))
		}
		return nil
	},
}

func init() {
	tenantsCmd.AddCommand(listTenantsCmd)
	tenantsCmd.AddCommand(resolveTenantsCmd)
}

func loadDirectory() (*tenancy.Directory, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return tenancy.LoadDirectory(cfg.TenancyConfigPath)
}

func printTargets(out io.Writer, directory *tenancy.Directory) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGET\tDRIVER\tDATABASE\tTENANTS")

	defaultName := directory.DefaultTarget().Name
	for _, target := range directory.Targets() {
		name := target.Name
		if name == defaultName {
			name += " (default)"
		}
		tenants := strings.Join(target.Tenants, ",")
		if tenants == "" {
			tenants = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", name, target.Driver, target.Database, tenants)
	}
	return w.Flush()
}
