package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/aristath/spider/internal/persistence"
)

func newDataCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Store shared values for use as job inputs",
	}
	cmd.AddCommand(newDataPutCmd(a))
	return cmd
}

func newDataPutCmd(a *app) *cobra.Command {
	var rgFlag resourceGroupFlag
	var persisted bool
	cmd := &cobra.Command{
		Use:   "put FILE",
		Short: "Store a file as shared data owned by a resource group",
		Long: `Store a file as shared data owned by a resource group and print its ID.
Pass it to "job submit" as --input data:<id>.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rg, err := rgFlag.parse()
			if err != nil {
				return err
			}
			value, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return a.withStore(cmd, func(store *persistence.SQLiteStore) error {
				id, err := store.CreateData(cmd.Context(), persistence.ResourceGroupOwner(rg),
					persistence.Data{Value: value, Persisted: persisted})
				if err != nil {
					return err
				}
				a.log.WithField("size", humanize.Bytes(uint64(len(value)))).Debug("data stored")
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			})
		},
	}
	rgFlag.register(cmd, true)
	cmd.Flags().BoolVar(&persisted, "persisted", false, "mark the value as persisted")
	return cmd
}
