package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (a *app) newConversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage conversations",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a conversation and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			title, err := cmd.Flags().GetString("title")
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			c, err := s.CreateConversation(cmd.Context(), title)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), c.ID)
			return err
		},
	}
	createCmd.Flags().String("title", "", "Conversation title")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			cs, err := s.ListConversations(cmd.Context())
			if err != nil {
				return err
			}
			if len(cs) == 0 {
				return nil
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer func() { _ = enc.Close() }()
			return enc.Encode(cs)
		},
	}

	titleCmd := &cobra.Command{
		Use:   "title <conversation-id> <title>",
		Short: "Set the title of a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			return s.TouchConversationTitle(cmd.Context(), args[0], args[1])
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <conversation-id>...",
		Short: "Delete conversations with all their turns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			for _, id := range args {
				if err := s.DeleteConversation(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.AddCommand(createCmd, listCmd, titleCmd, deleteCmd)
	return cmd
}
