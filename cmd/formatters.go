package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/SentinelIQ/SentinelCore/core"
	"github.com/fatih/color"
)

// CLI output formatters
var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	warningColor = color.New(color.FgYellow)
	infoColor    = color.New(color.FgCyan)
	headerColor  = color.New(color.FgBlue, color.Bold)
)

func outputAsJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderModulesTable(mods []*core.Module) {
	if len(mods) == 0 {
		warningColor.Println("No modules found")
		return
	}
	headerColor.Printf("%-36s  %-24s  %-12s  %-10s  %-8s  %s\n",
		"ID", "NAME", "STAGE", "TENANT", "ACTIVE", "SCHEDULE")
	fmt.Println(strings.Repeat("-", 110))
	for _, m := range mods {
		tenant := m.TenantID
		if tenant == "" {
			tenant = "(global)"
		}
		active := "yes"
		if !m.Active {
			active = "no"
		}
		fmt.Printf("%-36s  %-24s  %-12s  %-10s  %-8s  %s\n",
			m.ID, truncateCol(m.Name, 24), m.Stage, truncateCol(tenant, 10), active, m.CronSchedule)
	}
}

func renderModuleDetails(m *core.Module) {
	headerColor.Println(m.Name)
	fmt.Printf("  ID:           %s\n", m.ID)
	fmt.Printf("  Stage:        %s\n", m.Stage)
	fmt.Printf("  Handler:      %s\n", m.Handler)
	if m.TenantID == "" {
		fmt.Printf("  Tenant:       (global)\n")
	} else {
		fmt.Printf("  Tenant:       %s\n", m.TenantID)
	}
	fmt.Printf("  Active:       %v\n", m.Active)
	fmt.Printf("  Reentrant:    %v\n", m.Reentrant)
	if m.CronSchedule != "" {
		fmt.Printf("  Schedule:     %s\n", m.CronSchedule)
	}
	if m.ChainTo != "" {
		fmt.Printf("  Chains to:    %s\n", m.ChainTo)
	}
	if m.Description != "" {
		fmt.Printf("  Description:  %s\n", m.Description)
	}
	fmt.Printf("  Processed:    %d items\n", m.TotalProcessed)
	fmt.Printf("  Errors:       %d\n", m.ErrorCount)
	if m.LastRun != nil {
		fmt.Printf("  Last run:     %s\n", m.LastRun.Format(time.RFC3339))
	}
	if m.LastError != "" {
		errorColor.Printf("  Last error:   %s\n", m.LastError)
	}
}

func renderRunsTable(runs []*core.ExecutionRecord) {
	if len(runs) == 0 {
		warningColor.Println("No runs found")
		return
	}
	headerColor.Printf("%-36s  %-24s  %-9s  %-9s  %-7s  %-8s  %s\n",
		"RUN ID", "MODULE", "TRIGGER", "STATUS", "ATTEMPT", "ITEMS", "CREATED")
	fmt.Println(strings.Repeat("-", 116))
	for _, r := range runs {
		statusColor(r.Status).Printf("%-36s  %-24s  %-9s  %-9s  %-7d  %-8d  %s\n",
			r.ID, truncateCol(r.ModuleName, 24), r.Trigger, r.Status, r.Attempt, r.ItemCount,
			r.CreatedAt.Format(time.RFC3339))
	}
}

func renderRunDetails(r *core.ExecutionRecord) {
	headerColor.Printf("Run %s\n", r.ID)
	fmt.Printf("  Module:    %s (%s)\n", r.ModuleName, r.ModuleID)
	fmt.Printf("  Stage:     %s\n", r.Stage)
	fmt.Printf("  Trigger:   %s\n", r.Trigger)
	statusColor(r.Status).Printf("  Status:    %s\n", r.Status)
	fmt.Printf("  Attempt:   %d\n", r.Attempt)
	fmt.Printf("  Items:     %d\n", r.ItemCount)
	fmt.Printf("  Created:   %s\n", r.CreatedAt.Format(time.RFC3339))
	if r.StartedAt != nil {
		fmt.Printf("  Started:   %s\n", r.StartedAt.Format(time.RFC3339))
	}
	if r.CompletedAt != nil {
		fmt.Printf("  Completed: %s (%.2fs)\n", r.CompletedAt.Format(time.RFC3339), r.DurationSeconds)
	}
	if r.Error != "" {
		errorColor.Printf("  Error:     %s\n", r.Error)
	}
	if r.Log != "" {
		infoColor.Println("  Log:")
		for _, line := range strings.Split(r.Log, "\n") {
			fmt.Printf("    %s\n", line)
		}
	}
}

func statusColor(s core.RunStatus) *color.Color {
	switch s {
	case core.RunSuccess:
		return successColor
	case core.RunFailed:
		return errorColor
	case core.RunRunning:
		return infoColor
	default:
		return warningColor
	}
}

func truncateCol(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
