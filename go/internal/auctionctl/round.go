package auctionctl

import (
	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/mcdev12/auctionhouse/go/internal/models"
	"github.com/spf13/cobra"
)

func newRoundCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "round",
		Short: "Manage auction rounds",
	}
	cmd.AddCommand(
		newRoundCreateCommand(opts),
		newRoundGetCommand(opts),
		newRoundListCommand(opts),
		newRoundExtendCommand(opts),
		newRoundFinalizeCommand(opts),
		newRoundPreviewCommand(opts),
		newRoundDeleteCommand(opts),
	)
	return cmd
}

func newRoundCreateCommand(opts *options) *cobra.Command {
	var req auctionapi.CreateRoundRequest
	var kind string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new round",
		Args:  cobra.NoArgs,
	}
	season := idFlag(cmd, "season", "season id")
	cmd.Flags().StringVar(&req.Position, "position", "", "player position the round auctions")
	cmd.Flags().StringVar(&kind, "kind", string(models.RoundKindNormal), "round kind: normal or bulk")
	cmd.Flags().IntVar(&req.MaxBidsPerTeam, "max-bids", 0, "max live bids per team (normal rounds)")
	cmd.Flags().Int64Var(&req.BasePrice, "base-price", 0, "claim price (bulk rounds)")
	cmd.Flags().IntVar(&req.DurationMinutes, "duration", 60, "round length in minutes")
	_ = cmd.MarkFlagRequired("position")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		var err error
		if req.SeasonID, err = season(); err != nil {
			return err
		}
		req.Kind = models.RoundKind(kind)
		r, err := opts.client.CreateRound(cmd.Context(), &req)
		if err != nil {
			return err
		}
		return printJSON(cmd, r)
	}
	return cmd
}

func newRoundGetCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "get <round-id>",
		Short: "Show a round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("round id", args[0])
			if err != nil {
				return err
			}
			r, err := opts.client.GetRound(cmd.Context(), &auctionapi.RoundRequest{RoundID: id})
			if err != nil {
				return err
			}
			return printJSON(cmd, r)
		},
	}
}

func newRoundListCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the rounds of a season",
		Args:  cobra.NoArgs,
	}
	season := idFlag(cmd, "season", "season id")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		id, err := season()
		if err != nil {
			return err
		}
		res, err := opts.client.ListRounds(cmd.Context(), &auctionapi.ListRoundsRequest{SeasonID: id})
		if err != nil {
			return err
		}
		return printJSON(cmd, res.Rounds)
	}
	return cmd
}

func newRoundExtendCommand(opts *options) *cobra.Command {
	var minutes int
	cmd := &cobra.Command{
		Use:   "extend <round-id>",
		Short: "Push an active round's deadline back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("round id", args[0])
			if err != nil {
				return err
			}
			r, err := opts.client.ExtendTime(cmd.Context(), &auctionapi.ExtendTimeRequest{RoundID: id, Minutes: minutes})
			if err != nil {
				return err
			}
			return printJSON(cmd, r)
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 5, "minutes to add")
	return cmd
}

func newRoundFinalizeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "finalize <round-id>",
		Short: "Close a round now and allocate its players",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("round id", args[0])
			if err != nil {
				return err
			}
			res, err := opts.client.RequestFinalize(cmd.Context(), &auctionapi.RoundRequest{RoundID: id})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
}

func newRoundPreviewCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "preview <round-id>",
		Short: "Show what finalize would do without committing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("round id", args[0])
			if err != nil {
				return err
			}
			plan, err := opts.client.PreviewFinalize(cmd.Context(), &auctionapi.RoundRequest{RoundID: id})
			if err != nil {
				return err
			}
			return printJSON(cmd, plan)
		},
	}
}

func newRoundDeleteCommand(opts *options) *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "delete <round-id>",
		Short: "Delete a round and reverse its allocations",
		Long:  `Deleting a round credits back every committed allocation, releases live bids and cancels pending tiebreakers. The actor is written to the audit log.`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID("round id", args[0])
			if err != nil {
				return err
			}
			report, err := opts.client.DeleteRound(cmd.Context(), &auctionapi.DeleteRoundRequest{RoundID: id, Actor: actor})
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "who is deleting the round")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}
