package auctionctl

import (
	"errors"

	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/spf13/cobra"
)

func newTiebreakerCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tiebreaker",
		Aliases: []string{"tb"},
		Short:   "Inspect and resolve tiebreakers",
	}
	cmd.AddCommand(
		newTiebreakerShowCommand(opts),
		newTiebreakerListCommand(opts),
		newTiebreakerResolveCommand(opts),
	)
	return cmd
}

func newTiebreakerShowCommand(opts *options) *cobra.Command {
	var chain bool
	cmd := &cobra.Command{
		Use:   "show <tiebreaker-id>",
		Short: "Show a tiebreaker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("tiebreaker id", args[0])
			if err != nil {
				return err
			}
			res, err := opts.client.GetTiebreaker(cmd.Context(), &auctionapi.GetTiebreakerRequest{TiebreakerID: id, WithChain: chain})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().BoolVar(&chain, "chain", false, "include the whole escalation chain")
	return cmd
}

func newTiebreakerListCommand(opts *options) *cobra.Command {
	var round, team string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tiebreakers of a round or a team",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var req auctionapi.ListTiebreakersRequest
			var err error
			switch {
			case round != "" && team != "":
				return errors.New("use --round or --team, not both")
			case round != "":
				req.RoundID, err = parseID("round id", round)
			case team != "":
				req.TeamID, err = parseID("team id", team)
			default:
				return errors.New("--round or --team is required")
			}
			if err != nil {
				return err
			}
			res, err := opts.client.ListTiebreakers(cmd.Context(), &req)
			if err != nil {
				return err
			}
			return printJSON(cmd, res.Tiebreakers)
		},
	}
	cmd.Flags().StringVar(&round, "round", "", "round id")
	cmd.Flags().StringVar(&team, "team", "", "participating team id")
	return cmd
}

func newTiebreakerResolveCommand(opts *options) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "resolve <tiebreaker-id>",
		Short: "Resolve a pending tiebreaker",
		Long: `Modes:
  auto     every participant must have submitted
  manual   non-submitters keep their original bid
  exclude  nobody wins, the player goes back to the pool`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("tiebreaker id", args[0])
			if err != nil {
				return err
			}
			res, err := opts.client.ResolveTiebreaker(cmd.Context(), &auctionapi.ResolveTiebreakerRequest{
				TiebreakerID: id,
				Mode:         models.ResolveMode(mode),
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(models.ResolveModeManual), "auto, manual or exclude")
	return cmd
}
