package auctionctl

import (
	"github.com/google/uuid"
	"github.com/mcdev12/auctionhouse/go/internal/auctionapi"
	"github.com/spf13/cobra"
)

func newBulkCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk",
		Short: "Bulk round operations",
	}
	claim := &cobra.Command{
		Use:   "claim",
		Short: "Claim a player at the round's base price",
		Args:  cobra.NoArgs,
	}
	round := idFlag(claim, "round", "bulk round id")
	team := idFlag(claim, "team", "claiming team id")
	player := idFlag(claim, "player", "player id")
	claim.RunE = func(cmd *cobra.Command, args []string) error {
		ids := make([]uuid.UUID, 3)
		for i, get := range []func() (uuid.UUID, error){round, team, player} {
			id, err := get()
			if err != nil {
				return err
			}
			ids[i] = id
		}
		res, err := opts.client.Claim(cmd.Context(), &auctionapi.ClaimRequest{RoundID: ids[0], TeamID: ids[1], PlayerID: ids[2]})
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	}
	cmd.AddCommand(claim)
	return cmd
}
