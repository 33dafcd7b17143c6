package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andylabs/andbot/internal/config"
	"github.com/andylabs/andbot/internal/store"
)

func groupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Manage registered conversations",
	}
	cmd.AddCommand(groupsListCmd(), groupsAddCmd(), groupsRemoveCmd())
	return cmd
}

func openStore() (*store.Store, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errConfig, err)
	}
	st, err := store.Open(cfg.StoreDir)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func groupsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			groups, err := st.GetRegisteredGroups()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JID\tFOLDER\tNAME\tTRIGGER\tCURSOR")
			for _, g := range groups {
				trigger := "-"
				if g.RequiresTrigger {
					trigger = "@" + g.Trigger
				}
				cursor := g.LastProcessedAt
				if cursor == "" {
					cursor = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", g.JID, g.Folder, g.Name, trigger, cursor)
			}
			return w.Flush()
		},
	}
}

func groupsAddCmd() *cobra.Command {
	var (
		name      string
		trigger   string
		noTrigger bool
		mounts    []string
	)
	cmd := &cobra.Command{
		Use:   "add <jid> <folder>",
		Short: "Register a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			jid, folder := args[0], args[1]
			if !config.ValidGroupFolder(folder) {
				return fmt.Errorf("%w: invalid group folder %q", errConfig, folder)
			}
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SetRegisteredGroup(store.RegisteredGroup{
				JID:             jid,
				Name:            name,
				Folder:          folder,
				Trigger:         trigger,
				RequiresTrigger: !noTrigger,
				Mounts:          mounts,
			}); err != nil {
				return err
			}
			fmt.Printf("registered %s -> %s\n", jid, folder)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&trigger, "trigger", "", "trigger word (defaults to the assistant name)")
	cmd.Flags().BoolVar(&noTrigger, "no-trigger", false, "dispatch every message, no trigger required")
	cmd.Flags().StringArrayVar(&mounts, "mount", nil, "extra host path to mount (repeatable, allowlist-checked at spawn)")
	return cmd
}

func groupsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <jid>",
		Short: "Unregister a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.DeleteRegisteredGroup(args[0]); err != nil {
				return err
			}
			fmt.Printf("unregistered %s\n", args[0])
			return nil
		},
	}
}
