package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"unimanager/internal/domain"
)

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage VM templates and pricing",
}

var (
	tmplName, tmplDescription, tmplOSType, tmplOSName, tmplCost string
	tmplHypervisorID                                            int
	tmplDefaults, tmplMin, tmplMax                              domain.Resources
	tmplPublic, tmplActive                                      bool
)

var templateAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a VM template",
	Run: func(cmd *cobra.Command, args []string) {
		handleTemplateAdd()
	},
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List templates",
	Run: func(cmd *cobra.Command, args []string) {
		handleTemplateList()
	},
}

var templatePriceCmd = &cobra.Command{
	Use:   "price [id]",
	Short: "Change a template's hourly price or availability",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleTemplatePrice(cmd, args[0])
	},
}

func resourceFlags(cmd *cobra.Command, prefix string, r *domain.Resources, cpu, ram, disk int) {
	cmd.Flags().IntVar(&r.CPUCores, prefix+"cpu", cpu, "CPU cores")
	cmd.Flags().IntVar(&r.RAMMB, prefix+"ram", ram, "RAM in MB")
	cmd.Flags().IntVar(&r.DiskGB, prefix+"disk", disk, "Disk in GB")
}

func init() {
	templateAddCmd.Flags().StringVar(&tmplName, "name", "", "Template name")
	templateAddCmd.Flags().StringVar(&tmplDescription, "description", "", "Description")
	templateAddCmd.Flags().StringVar(&tmplOSType, "os-type", "linux", "OS type")
	templateAddCmd.Flags().StringVar(&tmplOSName, "os-name", "", "OS name")
	templateAddCmd.Flags().StringVar(&tmplCost, "cost", "", "Cost per hour, up to 4 decimals")
	templateAddCmd.Flags().IntVar(&tmplHypervisorID, "clone-from", 0, "Hypervisor template VMID to clone")
	templateAddCmd.Flags().BoolVar(&tmplPublic, "public", true, "Visible to all users")
	resourceFlags(templateAddCmd, "", &tmplDefaults, 1, 1024, 20)
	resourceFlags(templateAddCmd, "min-", &tmplMin, 1, 512, 10)
	resourceFlags(templateAddCmd, "max-", &tmplMax, 8, 16384, 500)
	templateAddCmd.MarkFlagRequired("name")
	templateAddCmd.MarkFlagRequired("cost")

	templatePriceCmd.Flags().StringVar(&tmplCost, "cost", "", "New cost per hour")
	templatePriceCmd.Flags().BoolVar(&tmplActive, "active", true, "Accept new VMs")
	templatePriceCmd.Flags().BoolVar(&tmplPublic, "public", true, "Visible to all users")

	templateCmd.AddCommand(templateAddCmd, templateListCmd, templatePriceCmd)
	RootCmd.AddCommand(templateCmd)
}

func handleTemplateAdd() {
	cost, err := decimal.NewFromString(tmplCost)
	if err != nil {
		fatalf("Error: invalid cost %q", tmplCost)
	}
	t, err := Engine().Store.CreateTemplate(context.Background(), domain.VMTemplate{
		Name:                 tmplName,
		Description:          tmplDescription,
		Defaults:             tmplDefaults,
		OSType:               tmplOSType,
		OSName:               tmplOSName,
		HypervisorTemplateID: tmplHypervisorID,
		CostPerHour:          cost,
		IsActive:             true,
		IsPublic:             tmplPublic,
		Min:                  tmplMin,
		Max:                  tmplMax,
	})
	if err != nil {
		fatalf("Error adding template: %v", err)
	}
	fmt.Printf("Template added: %s (%s at %s/h, %s/month)\n",
		t.ID, t.Name, t.CostPerHour.String(), t.CostPerMonth().StringFixed(2))
}

func handleTemplateList() {
	templates, err := Engine().Store.ListTemplates(context.Background())
	if err != nil {
		fatalf("Error listing templates: %v", err)
	}
	if len(templates) == 0 {
		fmt.Println("No templates.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tCOST/H\tCOST/DAY\tDEFAULT\tACTIVE\tPUBLIC")
	for _, t := range templates {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%dc/%dMB/%dGB\t%t\t%t\n",
			t.ID, t.Name, t.CostPerHour.String(), t.CostPerDay().StringFixed(2),
			t.Defaults.CPUCores, t.Defaults.RAMMB, t.Defaults.DiskGB, t.IsActive, t.IsPublic)
	}
	w.Flush()
}

func handleTemplatePrice(cmd *cobra.Command, id string) {
	var cost *decimal.Decimal
	var active, public *bool
	if cmd.Flags().Changed("cost") {
		c, err := decimal.NewFromString(tmplCost)
		if err != nil {
			fatalf("Error: invalid cost %q", tmplCost)
		}
		cost = &c
	}
	if cmd.Flags().Changed("active") {
		active = &tmplActive
	}
	if cmd.Flags().Changed("public") {
		public = &tmplPublic
	}

	if err := Engine().Store.UpdateTemplatePricing(context.Background(), id, cost, active, public); err != nil {
		fatalf("Error updating template: %v", err)
	}
	fmt.Printf("Template %s updated. Unbilled usage is charged at the rate in effect when it is billed.\n", id)
}
