package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/adrianmcphee/binstore/internal/executor"
	"github.com/adrianmcphee/binstore/internal/export"
	"github.com/spf13/cobra"
)

var (
	exportDDLOnly  bool
	exportDataOnly bool
	exportOutput   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export schema and data as PostgreSQL statements",
	RunE: func(cmd *cobra.Command, args []string) error {
		if exportDDLOnly && exportDataOnly {
			return fmt.Errorf("--ddl-only and --data-only are mutually exclusive")
		}
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		var out io.Writer = cmd.OutOrStdout()
		if exportOutput != "" && exportOutput != "-" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("create %s: %w", exportOutput, err)
			}
			defer f.Close()
			out = f
		}
		w := bufio.NewWriter(out)

		x := export.NewExporter(rt.schema, rt.store)
		switch {
		case exportDDLOnly:
			err = x.DDL(w)
		case exportDataOnly:
			err = x.Data(ctx, w)
		default:
			err = x.Export(ctx, w)
		}
		if err != nil {
			return err
		}
		return w.Flush()
	},
}

var explainCmd = &cobra.Command{
	Use:   "explain <select statement>",
	Short: "Show the execution plan of a SELECT without running it",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := openRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		exec := executor.NewExecutor(rt.store, rt.schema).WithLogger(rt.logger)
		res, err := exec.Execute(ctx, "EXPLAIN "+strings.Join(args, " "))
		if err != nil {
			return err
		}
		for _, row := range res.Rows {
			fmt.Fprintln(cmd.OutOrStdout(), row[0])
		}
		return nil
	},
}

func init() {
	exportCmd.Flags().BoolVar(&exportDDLOnly, "ddl-only", false, "export only the schema")
	exportCmd.Flags().BoolVar(&exportDataOnly, "data-only", false, "export only the data")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "-", "output file")
}
