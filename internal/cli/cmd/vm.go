package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"unimanager/internal/domain"
	"unimanager/internal/lifecycle"
)

var vmCmd = &cobra.Command{
	Use:   "vm",
	Short: "Manage virtual machines",
}

var (
	vmUser, vmTemplate, vmName, vmHostname, vmNotes string
	vmResources                                     domain.Resources
	vmNoProvision                                   bool
)

var vmCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a VM and provision it on the selected server",
	Run: func(cmd *cobra.Command, args []string) {
		handleVMCreate()
	},
}

var vmProvisionCmd = &cobra.Command{
	Use:   "provision [id]",
	Short: "Provision a VM still in the creating state",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		vm, err := Engine().Lifecycle.Provision(context.Background(), args[0])
		printVMResult("provision", vm, err)
	},
}

var vmResizeCmd = &cobra.Command{
	Use:   "resize [id]",
	Short: "Change CPU, RAM or disk within the template bounds",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		vm, err := Engine().Lifecycle.Resize(context.Background(), Actor, args[0], vmResources)
		printVMResult("resize", vm, err)
	},
}

var vmDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Bill outstanding usage, destroy the VM and tombstone it",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		vm, err := Engine().Lifecycle.Delete(context.Background(), Actor, args[0])
		printVMResult("delete", vm, err)
	},
}

var vmListAll bool
var vmListState string

var vmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List VMs",
	Run: func(cmd *cobra.Command, args []string) {
		handleVMList()
	},
}

func actionCmd(action lifecycle.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " [id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			vm, err := Engine().Lifecycle.Act(context.Background(), Actor, args[0], action)
			printVMResult(string(action), vm, err)
		},
	}
}

func init() {
	vmCreateCmd.Flags().StringVar(&vmUser, "user", "", "Owner user ID")
	vmCreateCmd.Flags().StringVar(&vmTemplate, "template", "", "Template ID")
	vmCreateCmd.Flags().StringVar(&vmName, "name", "", "VM name")
	vmCreateCmd.Flags().StringVar(&vmHostname, "hostname", "", "Hostname (defaults to the name)")
	vmCreateCmd.Flags().StringVar(&vmNotes, "notes", "", "Notes")
	vmCreateCmd.Flags().BoolVar(&vmNoProvision, "no-provision", false, "Only record the VM, provision later")
	resourceFlags(vmCreateCmd, "", &vmResources, 0, 0, 0)
	vmCreateCmd.MarkFlagRequired("user")
	vmCreateCmd.MarkFlagRequired("template")
	vmCreateCmd.MarkFlagRequired("name")

	resourceFlags(vmResizeCmd, "", &vmResources, 0, 0, 0)

	vmListCmd.Flags().StringVar(&vmUser, "user", "", "Only VMs of this user")
	vmListCmd.Flags().StringVar(&vmListState, "state", "", "Only VMs in this state")
	vmListCmd.Flags().BoolVar(&vmListAll, "all", false, "Include deleted VMs")

	vmCmd.AddCommand(
		vmCreateCmd, vmProvisionCmd, vmResizeCmd, vmDeleteCmd, vmListCmd,
		actionCmd(lifecycle.ActionStart, "Start a stopped VM"),
		actionCmd(lifecycle.ActionStop, "Stop a running VM and bill its outstanding usage"),
		actionCmd(lifecycle.ActionSuspend, "Suspend a running VM"),
		actionCmd(lifecycle.ActionResume, "Resume a suspended VM"),
		actionCmd(lifecycle.ActionReboot, "Reboot a running VM"),
	)
	RootCmd.AddCommand(vmCmd)
}

func handleVMCreate() {
	e := Engine()
	vm, err := e.Lifecycle.Create(context.Background(), lifecycle.CreateRequest{
		UserID:     vmUser,
		TemplateID: vmTemplate,
		Name:       vmName,
		Hostname:   vmHostname,
		Resources:  vmResources,
		Notes:      vmNotes,
	})
	if err != nil {
		fatalf("Error creating VM: %v", err)
	}
	fmt.Printf("VM %s created on server %s\n", vm.ID, vm.ServerID)
	if vmNoProvision {
		return
	}

	vm, err = e.Lifecycle.Provision(context.Background(), vm.ID)
	printVMResult("provision", vm, err)
}

func printVMResult(op string, vm domain.VM, err error) {
	if err != nil {
		fatalf("Error (%s): %v", op, err)
	}
	fmt.Printf("VM %s is %s", vm.ID, vm.State)
	if vm.Provisioned() {
		fmt.Printf(" (vmid %d on %s)", vm.HypervisorID, vm.NodeName)
	}
	fmt.Println()
}

func handleVMList() {
	filter := domain.VMFilter{UserID: vmUser, IncludeDeleted: vmListAll}
	if vmListState != "" {
		st, err := domain.ParseVMState(vmListState)
		if err != nil {
			fatalf("Error: %v", err)
		}
		filter.States = []domain.VMState{st}
	}
	vms, err := Engine().Store.ListVMs(context.Background(), filter)
	if err != nil {
		fatalf("Error listing VMs: %v", err)
	}
	if len(vms) == 0 {
		fmt.Println("No VMs found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tUSER\tSTATE\tSERVER\tVMID\tRESOURCES\tTOTAL COST\tERROR")
	for _, vm := range vms {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%dc/%dMB/%dGB\t%d.%02d\t%s\n",
			vm.ID, vm.Name, vm.UserID, vm.State, vm.ServerID, vm.HypervisorID,
			vm.Resources.CPUCores, vm.Resources.RAMMB, vm.Resources.DiskGB,
			vm.TotalCost/100, vm.TotalCost%100, vm.LastError)
	}
	w.Flush()
}
