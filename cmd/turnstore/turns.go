package main

import (
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/turnstore/pkg/turns"
	"github.com/go-go-golems/turnstore/pkg/turns/serde"
)

func (a *app) newTurnsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "turns",
		Short: "Inspect and edit the turns of a conversation",
	}

	showCmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Print the turns of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cmd.Flags().GetString("output")
			if err != nil {
				return err
			}
			omitTimestamps, err := cmd.Flags().GetBool("omit-timestamps")
			if err != nil {
				return err
			}

			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			ts, err := s.LoadTurns(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			switch format {
			case "yaml":
				b, err := serde.ToYAMLList(ts, serde.Options{OmitTimestamps: omitTimestamps})
				if err != nil {
					return err
				}
				_, err = w.Write(b)
				return err
			case "text":
				for _, t := range ts {
					turns.FprintTurn(w, t)
				}
				return nil
			default:
				return errors.Errorf("unknown output format %q", format)
			}
		},
	}
	showCmd.Flags().StringP("output", "o", "yaml", "Output format (yaml, text)")
	showCmd.Flags().Bool("omit-timestamps", false, "Do not print created_at")

	importCmd := &cobra.Command{
		Use:   "import <conversation-id> <file.yaml>",
		Short: "Insert or replace a turn from a YAML file (- for stdin)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var b []byte
			var err error
			if args[1] == "-" {
				b, err = io.ReadAll(cmd.InOrStdin())
			} else {
				b, err = os.ReadFile(args[1])
			}
			if err != nil {
				return errors.Wrapf(err, "reading %s", args[1])
			}
			t, err := serde.FromYAML(b)
			if err != nil {
				return errors.Wrapf(err, "parsing %s", args[1])
			}
			if t.ID == "" {
				t.ID = uuid.NewString()
			}

			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()

			if err := s.UpsertTurn(cmd.Context(), args[0], t.ID, t.Role, t.Parts); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), t.ID)
			return err
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <turn-id>",
		Short: "Delete a turn and every later turn of its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = s.Close() }()
			return s.DeleteTurnAndFollowing(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(showCmd, importCmd, deleteCmd)
	return cmd
}
