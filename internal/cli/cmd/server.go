package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"unimanager/internal/domain"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage hypervisor servers",
}

var (
	srvName, srvURL, srvToken, srvDatacenter, srvLocation, srvDescription string
	srvPriority                                                           int
	srvVerifySSL, srvNoPlacement                                          bool
)

var serverAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a hypervisor server",
	Long: `Register a Proxmox VE endpoint (https://host:8006) or a simulated one (sim://name).
The API token is encrypted before it is stored.`,
	Run: func(cmd *cobra.Command, args []string) {
		handleServerAdd()
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List servers with their last known status and capacity",
	Run: func(cmd *cobra.Command, args []string) {
		handleServerList()
	},
}

var serverStatusCmd = &cobra.Command{
	Use:   "status [id] [online|offline|error|maintenance]",
	Short: "Set a server's status by hand, e.g. to take it into maintenance",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		handleServerStatus(args[0], args[1])
	},
}

func init() {
	serverAddCmd.Flags().StringVar(&srvName, "name", "", "Server name")
	serverAddCmd.Flags().StringVar(&srvURL, "api-url", "", "Hypervisor API URL")
	serverAddCmd.Flags().StringVar(&srvToken, "api-token", "", "Hypervisor API token (USER@REALM!TOKENID=SECRET)")
	serverAddCmd.Flags().StringVar(&srvDescription, "description", "", "Free-form description")
	serverAddCmd.Flags().StringVar(&srvDatacenter, "datacenter", "", "Datacenter label")
	serverAddCmd.Flags().StringVar(&srvLocation, "location", "", "Location label")
	serverAddCmd.Flags().IntVar(&srvPriority, "priority", 0, "Placement priority, higher wins")
	serverAddCmd.Flags().BoolVar(&srvVerifySSL, "verify-ssl", true, "Verify the hypervisor's TLS certificate")
	serverAddCmd.Flags().BoolVar(&srvNoPlacement, "no-placement", false, "Never place new VMs on this server")
	serverAddCmd.MarkFlagRequired("name")
	serverAddCmd.MarkFlagRequired("api-url")

	serverCmd.AddCommand(serverAddCmd, serverListCmd, serverStatusCmd)
	RootCmd.AddCommand(serverCmd)
}

func handleServerAdd() {
	e := Engine()

	var encrypted string
	if srvToken != "" {
		ct, err := e.Secrets.Encrypt(srvToken)
		if err != nil {
			fatalf("Error encrypting token: %v", err)
		}
		encrypted = ct
	}

	srv, err := e.Store.CreateServer(context.Background(), domain.Server{
		Name:              srvName,
		Description:       srvDescription,
		APIURL:            srvURL,
		APITokenEncrypted: encrypted,
		VerifySSL:         srvVerifySSL,
		IsActive:          true,
		AllowVMCreation:   !srvNoPlacement,
		Priority:          srvPriority,
		Datacenter:        srvDatacenter,
		Location:          srvLocation,
	})
	if err != nil {
		fatalf("Error adding server: %v", err)
	}
	fmt.Printf("Server added: %s (%s)\n", srv.ID, srv.Name)
	fmt.Println("It stays offline until the next health poll (unimanager-cli jobs run health).")
}

func handleServerList() {
	servers, err := Engine().Store.ListServers(context.Background())
	if err != nil {
		fatalf("Error listing servers: %v", err)
	}
	if len(servers) == 0 {
		fmt.Println("No servers registered.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPRIO\tPLACEMENT\tCPU%\tRAM%\tDISK%\tLAST SEEN\tERROR")
	for _, s := range servers {
		seen := "-"
		if s.LastSeenAt != nil {
			seen = s.LastSeenAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%t\t%.1f\t%.1f\t%.1f\t%s\t%s\n",
			s.ID, s.Name, s.Status, s.Priority, s.IsEligible(),
			s.Capacity.CPUUsagePercent(), s.Capacity.RAMUsagePercent(), s.Capacity.DiskUsagePercent(),
			seen, s.LastError)
	}
	w.Flush()
}

func handleServerStatus(id, status string) {
	st, err := domain.ParseServerStatus(status)
	if err != nil {
		fatalf("Error: %v", err)
	}
	srv, err := Engine().Store.UpdateServer(context.Background(), id, func(s domain.Server) (domain.Server, error) {
		s.Status = st
		s.UpdatedAt = time.Now().UTC()
		return s, nil
	})
	if err != nil {
		fatalf("Error updating server: %v", err)
	}
	fmt.Printf("Server %s is now %s\n", srv.ID, srv.Status)
}
