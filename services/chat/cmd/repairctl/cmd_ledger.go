package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var bookingsCmd = &cobra.Command{
	Use:   "bookings",
	Short: "List bookings, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		bookings, err := rt.App.Bookings(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if len(bookings) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No bookings yet.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEXPERT\tSERVICE\tCONTEXT\tSTATUS\tTOTAL\tARRIVAL")
		for _, b := range bookings {
			arrival := "-"
			if b.ArrivalAt != nil {
				arrival = b.ArrivalAt.Local().Format("Jan 2 3:04 PM")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", b.ID, b.ExpertName, b.ServiceName, b.Context, b.Status, b.TotalDisplay, arrival)
		}
		return w.Flush()
	},
}

var coinsCmd = &cobra.Command{
	Use:   "coins",
	Short: "Show the Repair Coins balance",
	RunE: func(cmd *cobra.Command, args []string) error {
		balance, err := rt.App.Coins(cmd.Context(), userID)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d Repair Coins\n", balance.Balance)
		return nil
	},
}

var expertsCmd = &cobra.Command{
	Use:   "experts",
	Short: "List experts you have contacted",
	RunE: func(cmd *cobra.Command, args []string) error {
		experts, err := rt.App.Experts(cmd.Context(), userID)
		if err != nil {
			return err
		}
		for _, e := range experts {
			fmt.Fprintln(cmd.OutOrStdout(), e)
		}
		return nil
	},
}
