package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewModulesCmd builds the `modules` command tree for managing the
// pipeline module catalog.
func NewModulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "Manage pipeline modules",
		Long:  "List, inspect, create and toggle the modules registered in the pipeline catalog.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if noColor {
				color.NoColor = true
			}
		},
	}

	cmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Server base URL (default $SENTINELCORE_API_URL or http://127.0.0.1:8081)")
	cmd.PersistentFlags().StringVar(&actorID, "actor-id", "", "Acting user id sent to the server")
	cmd.PersistentFlags().StringVar(&actorName, "actor", "cli", "Acting user name sent to the server")
	cmd.PersistentFlags().StringVar(&actorRole, "role", "admin", "Acting role (superuser, admin, analyst, read_only)")
	cmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "Acting tenant id")
	cmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "Output as JSON")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")

	cmd.AddCommand(newModulesListCmd())
	cmd.AddCommand(newModulesShowCmd())
	cmd.AddCommand(newModulesCreateCmd())
	cmd.AddCommand(newModulesEnableCmd())
	cmd.AddCommand(newModulesDisableCmd())

	return cmd
}

func newModulesListCmd() *cobra.Command {
	var stage string
	var activeOnly, scheduledOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List modules visible to the acting tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			q := url.Values{}
			if stage != "" {
				q.Set("stage", stage)
			}
			if activeOnly {
				q.Set("active", "true")
			}
			if scheduledOnly {
				q.Set("scheduled", "true")
			}

			var resp struct {
				Modules []*core.Module `json:"modules"`
				Total   int            `json:"total"`
			}
			if err := newClient().do(ctx, "GET", "/api/modules?"+q.Encode(), nil, &resp); err != nil {
				return err
			}

			if outputJSON {
				return outputAsJSON(resp.Modules)
			}
			renderModulesTable(resp.Modules)
			return nil
		},
	}

	cmd.Flags().StringVar(&stage, "stage", "", "Filter by pipeline stage")
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Show only active modules")
	cmd.Flags().BoolVar(&scheduledOnly, "scheduled", false, "Show only modules with a cron schedule")
	return cmd
}

func newModulesShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <module-id>",
		Short: "Show one module in detail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			var m core.Module
			if err := newClient().do(ctx, "GET", "/api/modules/"+url.PathEscape(args[0]), nil, &m); err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(&m)
			}
			renderModuleDetails(&m)
			return nil
		},
	}
}

func newModulesCreateCmd() *cobra.Command {
	var fromFile string

	cmd := &cobra.Command{
		Use:   "create -f <module.yaml>",
		Short: "Create a module from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromFile == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(fromFile)
			if err != nil {
				return fmt.Errorf("reading %s: %w", fromFile, err)
			}

			var req struct {
				Name         string                 `yaml:"name" json:"name"`
				Description  string                 `yaml:"description" json:"description"`
				Stage        string                 `yaml:"stage" json:"stage"`
				TenantID     string                 `yaml:"tenant_id" json:"tenant_id"`
				Handler      string                 `yaml:"handler" json:"handler"`
				Config       map[string]interface{} `yaml:"config" json:"config"`
				ConfigSchema string                 `yaml:"config_schema" json:"config_schema"`
				Reentrant    bool                   `yaml:"reentrant" json:"reentrant"`
				CronSchedule string                 `yaml:"cron_schedule" json:"cron_schedule"`
				ChainTo      string                 `yaml:"chain_to" json:"chain_to"`
			}
			if err := yaml.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("parsing %s: %w", fromFile, err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			var created core.Module
			if err := newClient().do(ctx, "POST", "/api/modules", &req, &created); err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(&created)
			}
			successColor.Printf("✓ Created module %s (%s)\n", created.Name, created.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&fromFile, "file", "f", "", "YAML file with the module definition")
	return cmd
}

func newModulesEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <module-id>",
		Short: "Activate a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setModuleActive(args[0], true)
		},
	}
}

func newModulesDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <module-id>",
		Short: "Deactivate a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setModuleActive(args[0], false)
		},
	}
}

func setModuleActive(id string, active bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	method, path := "POST", "/api/modules/"+url.PathEscape(id)+"/activate"
	if !active {
		method, path = "DELETE", "/api/modules/"+url.PathEscape(id)
	}

	var resp struct {
		ID     string `json:"id"`
		Active bool   `json:"active"`
	}
	if err := newClient().do(ctx, method, path, nil, &resp); err != nil {
		return err
	}
	if outputJSON {
		return outputAsJSON(resp)
	}
	if resp.Active {
		successColor.Printf("✓ Module %s is active\n", resp.ID)
	} else {
		warningColor.Printf("Module %s is inactive\n", resp.ID)
	}
	return nil
}
