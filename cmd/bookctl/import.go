package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"bookrecord/pkg/bookclient"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Backfill books from a CSV of title,year,author,completed",
		Long: `Backfill books from a CSV file with columns title,year,author,completed.
A header row is skipped when its first column is "title". Rows are added in
file order, so ids follow the row order.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			books, err := parseBooksCSV(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "%d rows parsed, nothing sent\n", len(books))
				return nil
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			for i, b := range books {
				res, err := c.AddBook(cmd.Context(), b)
				if err != nil {
					return fmt.Errorf("row %d (%q): %w; %d rows imported before the failure", i+1, b.Title, err, i)
				}
				fmt.Fprintf(out, "added %d\t%s\n", res.ID, b.Title)
			}
			fmt.Fprintf(out, "%d books imported\n", len(books))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "parse the file without sending anything")
	return cmd
}

func parseBooksCSV(r io.Reader) ([]bookclient.NewBook, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.Comment = '#'

	var books []bookclient.NewBook
	for line := 1; ; line++ {
		rec, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(rec[0]), "title") {
			continue
		}
		if len(rec) < 3 || len(rec) > 4 {
			return nil, fmt.Errorf("line %d: want 3 or 4 columns, got %d", line, len(rec))
		}
		year, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid year %q", line, rec[1])
		}
		book := bookclient.NewBook{
			Title:  strings.TrimSpace(rec[0]),
			Year:   year,
			Author: strings.TrimSpace(rec[2]),
		}
		if len(rec) == 4 && strings.TrimSpace(rec[3]) != "" {
			book.Completed, err = parseCompleted(rec[3])
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", line, err)
			}
		}
		books = append(books, book)
	}
	return books, nil
}

func parseCompleted(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "done":
		return true, nil
	case "0", "false", "no", "n":
		return false, nil
	default:
		return false, fmt.Errorf("invalid completed value %q", raw)
	}
}
