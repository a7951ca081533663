package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"unimanager/internal/billing"
	"unimanager/internal/domain"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userRole string

var userCreateCmd = &cobra.Command{
	Use:   "create [email]",
	Short: "Create a user with a zero balance",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleUserCreate(args[0], userRole)
	},
}

var userListStatus string

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	Run: func(cmd *cobra.Command, args []string) {
		handleUserList(userListStatus)
	},
}

var banFor time.Duration
var banReason string

var userBanCmd = &cobra.Command{
	Use:   "ban [id]",
	Short: "Ban a user, permanently unless --for is given",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleUserBan(args[0], banFor, banReason)
	},
}

var userUnbanCmd = &cobra.Command{
	Use:   "unban [id]",
	Short: "Lift a ban",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleUserUnban(args[0])
	},
}

var userSuspendCmd = &cobra.Command{
	Use:   "suspend [id]",
	Short: "Suspend a user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleUserSuspend(args[0], banReason)
	},
}

var creditType, creditReason string

var creditCmd = &cobra.Command{
	Use:   "credit [user-id] [amount]",
	Short: "Add a credit, payment, refund or admin adjustment to a user's ledger",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		handleCredit(args[0], args[1], creditType, creditReason)
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect user ledgers",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show [user-id]",
	Short: "Show a user's transactions",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleLedgerShow(args[0])
	},
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify [user-id]",
	Short: "Replay a user's ledger against the stored balance (all users when omitted)",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		handleLedgerVerify(args)
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&userRole, "role", string(domain.RoleUser), "Role (user, operator, admin)")
	userListCmd.Flags().StringVar(&userListStatus, "status", "", "Only users with this status (active, suspended, banned)")
	userBanCmd.Flags().DurationVar(&banFor, "for", 0, "Ban duration, e.g. 72h")
	userBanCmd.Flags().StringVar(&banReason, "reason", "", "Reason recorded with the ban")
	userSuspendCmd.Flags().StringVar(&banReason, "reason", "", "Reason recorded with the suspension")
	userCmd.AddCommand(userCreateCmd, userListCmd, userBanCmd, userUnbanCmd, userSuspendCmd)

	creditCmd.Flags().StringVar(&creditType, "type", string(domain.TxCredit), "Transaction type (credit, payment, refund, admin_adjust)")
	creditCmd.Flags().StringVar(&creditReason, "reason", "", "Reason stored on the transaction")

	ledgerCmd.AddCommand(ledgerShowCmd, ledgerVerifyCmd)
	RootCmd.AddCommand(userCmd, creditCmd, ledgerCmd)
}

func handleUserCreate(email, role string) {
	r, err := domain.ParseRole(role)
	if err != nil {
		fatalf("Error: %v", err)
	}
	u, err := Engine().Accounts.Create(context.Background(), email, r)
	if err != nil {
		fatalf("Error creating user: %v", err)
	}
	fmt.Printf("User created: %s (%s, %s)\n", u.ID, u.Email, u.Role)
}

func handleUserList(status string) {
	var st domain.UserStatus
	if status != "" {
		parsed, err := domain.ParseUserStatus(status)
		if err != nil {
			fatalf("Error: %v", err)
		}
		st = parsed
	}
	users, err := Engine().Store.ListUsers(context.Background(), st)
	if err != nil {
		fatalf("Error listing users: %v", err)
	}
	if len(users) == 0 {
		fmt.Println("No users found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEMAIL\tROLE\tSTATUS\tBALANCE")
	for _, u := range users {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Role, u.Status, u.Balance.StringFixed(2))
	}
	w.Flush()
}

func handleUserBan(id string, d time.Duration, reason string) {
	var until *time.Time
	if d > 0 {
		t := time.Now().UTC().Add(d)
		until = &t
	}
	u, err := Engine().Accounts.Ban(context.Background(), Actor, id, until, reason)
	if err != nil {
		fatalf("Error banning user: %v", err)
	}
	if u.BanUntil != nil {
		fmt.Printf("User %s banned until %s\n", u.ID, u.BanUntil.Format(time.RFC3339))
		return
	}
	fmt.Printf("User %s banned permanently\n", u.ID)
}

func handleUserUnban(id string) {
	u, err := Engine().Accounts.Unban(context.Background(), Actor, id)
	if err != nil {
		fatalf("Error unbanning user: %v", err)
	}
	fmt.Printf("User %s is %s\n", u.ID, u.Status)
}

func handleUserSuspend(id, reason string) {
	u, err := Engine().Accounts.Suspend(context.Background(), Actor, id, reason)
	if err != nil {
		fatalf("Error suspending user: %v", err)
	}
	fmt.Printf("User %s is %s\n", u.ID, u.Status)
}

func handleCredit(userID, amount, kind, reason string) {
	amt, err := decimal.NewFromString(amount)
	if err != nil {
		fatalf("Error: invalid amount %q", amount)
	}
	t, err := domain.ParseTransactionType(kind)
	if err != nil {
		fatalf("Error: %v", err)
	}
	txn, err := Engine().Ledger.Credit(context.Background(), billing.CreditRequest{
		UserID:  userID,
		Amount:  amt,
		Type:    t,
		ActorID: Actor,
		Reason:  reason,
	})
	if err != nil {
		fatalf("Error applying %s: %v", kind, err)
	}
	fmt.Printf("Transaction %d applied. New balance: %s\n", txn.ID, txn.BalanceAfter.StringFixed(2))
}

func handleLedgerShow(userID string) {
	txns, err := Engine().Store.ListTransactions(context.Background(), userID)
	if err != nil {
		fatalf("Error reading ledger: %v", err)
	}
	if len(txns) == 0 {
		fmt.Println("No transactions.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tTYPE\tAMOUNT\tBALANCE\tDESCRIPTION")
	for _, t := range txns {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.CreatedAt.Format(time.RFC3339), t.Type, t.Amount.String(), t.BalanceAfter.String(), t.Description)
	}
	w.Flush()
}

func handleLedgerVerify(args []string) {
	e := Engine()
	var ids []string
	if len(args) == 1 {
		ids = args
	} else {
		users, err := e.Store.ListUsers(context.Background(), "")
		if err != nil {
			fatalf("Error listing users: %v", err)
		}
		for _, u := range users {
			ids = append(ids, u.ID)
		}
	}

	broken := 0
	for _, id := range ids {
		disc, err := e.Ledger.Verify(context.Background(), id)
		if err != nil {
			fatalf("Error verifying %s: %v", id, err)
		}
		if disc == nil {
			fmt.Printf("%s: ok\n", id)
			continue
		}
		broken++
		if disc.Index < 0 {
			fmt.Printf("%s: ledger sums to %s but balance is %s\n", id, disc.Expected, disc.Actual)
			continue
		}
		fmt.Printf("%s: transaction %d (#%d) has balance_after %s, expected %s\n",
			id, disc.TransactionID, disc.Index, disc.Actual, disc.Expected)
	}
	if broken > 0 {
		fatalf("%d of %d ledgers are inconsistent", broken, len(ids))
	}
}
