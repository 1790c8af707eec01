package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
	"github.com/cuemby/vpnforge/pkg/usermanager"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage VPN/proxy users",
}

var usersCreateCmd = &cobra.Command{
	Use:   "create NAME",
	Short: "Create a new user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		protocol, _ := cmd.Flags().GetString("protocol")
		email, _ := cmd.Flags().GetString("email")
		proxyPassword, _ := cmd.Flags().GetString("proxy-password")

		user, err := app.users.Create(usermanager.UserDraft{
			Username:       args[0],
			Email:          email,
			ProtocolKind:   types.ProtocolKind(protocol),
			ProxyPlaintext: proxyPassword,
		})
		if err != nil {
			return err
		}

		fmt.Printf("user created: %s (id=%s, protocol=%s)\n", user.Username, user.ID, user.ProtocolBinding.Kind)
		return nil
	},
}

var usersDeleteCmd = &cobra.Command{
	Use:   "delete NAME",
	Short: "Delete a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := usermanager.DeleteHard
		if soft, _ := cmd.Flags().GetBool("soft"); soft {
			mode = usermanager.DeleteSoft
		}
		user, err := app.store.GetUserByUsername(args[0])
		if err != nil {
			return err
		}
		if err := app.users.Delete(user.ID, mode); err != nil {
			return err
		}
		fmt.Printf("user deleted: %s\n", args[0])
		return nil
	},
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		format, _ := cmd.Flags().GetString("format")

		filter := storage.Filter{}
		if status != "" {
			filter.Predicates = append(filter.Predicates, storage.Predicate{
				Field: "status", Op: storage.OpEq, Value: status,
			})
		}
		users, total, err := app.users.List(filter, storage.Pagination{Page: 1, PageSize: 500})
		if err != nil {
			return err
		}

		if format == "json" {
			return printJSON(users)
		}

		w := tabwriter.NewWriter(cmdOut(cmd), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "USERNAME\tID\tPROTOCOL\tSTATUS\tCREATED")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", u.Username, u.ID, u.ProtocolBinding.Kind, u.Status, u.CreatedAt.Format("2006-01-02"))
		}
		w.Flush()
		fmt.Printf("(%d total)\n", total)
		return nil
	},
}

func init() {
	usersCreateCmd.Flags().String("protocol", "", "Protocol kind: vless, shadowsocks, wireguard, http_proxy, socks5_proxy")
	usersCreateCmd.Flags().String("email", "", "Optional email address")
	usersCreateCmd.Flags().String("proxy-password", "", "Plaintext password for http_proxy/socks5_proxy users")
	_ = usersCreateCmd.MarkFlagRequired("protocol")

	usersDeleteCmd.Flags().Bool("soft", false, "Soft-delete (mark inactive) instead of hard delete")

	usersListCmd.Flags().String("status", "", "Filter by status: active, inactive, suspended, expired")
	usersListCmd.Flags().String("format", "table", "Output format: table or json")

	usersCmd.AddCommand(usersCreateCmd, usersDeleteCmd, usersListCmd)
}
