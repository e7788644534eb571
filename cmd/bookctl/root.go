package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"bookrecord/pkg/bookclient"
	"bookrecord/pkg/domain"
)

type rootOptions struct {
	server  string
	token   string
	jsonOut bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bookctl",
		Short:         "Keep a private list of books and whether you finished them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", envOr("BOOKLEDGER_URL", "http://localhost:8090"), "ledger service base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("BOOKLEDGER_TOKEN"), "bearer token identifying the caller")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print raw JSON")

	cmd.AddCommand(
		newAddCmd(opts),
		newCompletionCmd(opts, "complete", "Mark a book as finished", true),
		newCompletionCmd(opts, "reopen", "Mark a book as not finished", false),
		newListCmd(opts),
		newEventsCmd(opts),
		newImportCmd(opts),
		newExportCmd(opts),
		newTokenCmd(),
		newRevokeCmd(),
		newWatchCmd(),
	)
	return cmd
}

func (o *rootOptions) client() (*bookclient.Client, error) {
	if strings.TrimSpace(o.token) == "" {
		return nil, errors.New("a token is required (--token or BOOKLEDGER_TOKEN)")
	}
	return bookclient.New(o.server, o.token), nil
}

func newAddCmd(opts *rootOptions) *cobra.Command {
	var book bookclient.NewBook
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a book to your list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.AddBook(cmd.Context(), book)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "added book %d\n", res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&book.Title, "title", "", "book title")
	cmd.Flags().Int64Var(&book.Year, "year", 0, "publication year")
	cmd.Flags().StringVar(&book.Author, "author", "", "author")
	cmd.Flags().BoolVar(&book.Completed, "completed", false, "already finished")
	return cmd
}

func newCompletionCmd(opts *rootOptions, use, short string, completed bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid book id %q", args[0])
			}
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.SetCompleted(cmd.Context(), id, completed)
			if err != nil {
				if bookclient.IsNotFound(err) {
					return fmt.Errorf("you have no book %d", id)
				}
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			state := "not finished"
			if res.Completed {
				state = "finished"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "book %d marked %s\n", res.ID, state)
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var completed, uncompleted bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List your books",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			var books []domain.BookEntry
			switch {
			case completed:
				books, err = c.CompletedBooks(cmd.Context())
			case uncompleted:
				books, err = c.UncompletedBooks(cmd.Context())
			default:
				books, err = c.Books(cmd.Context())
			}
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), books)
			}
			return printBooks(cmd.OutOrStdout(), books)
		},
	}
	cmd.Flags().BoolVar(&completed, "completed", false, "only finished books")
	cmd.Flags().BoolVar(&uncompleted, "uncompleted", false, "only unfinished books")
	cmd.MarkFlagsMutuallyExclusive("completed", "uncompleted")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		after uint64
		limit int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the notifications recorded for your list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			events, err := c.Events(cmd.Context(), after, limit)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), events)
			}
			return printEvents(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().Uint64Var(&after, "after", 0, "only events with a greater sequence number")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of events")
	return cmd
}

func newExportCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Snapshot your list to object storage and print a download link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := opts.client()
			if err != nil {
				return err
			}
			res, err := c.Export(cmd.Context())
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d books exported, link valid until %s\n%s\n",
				res.Count, res.ExpiresAt.Format("2006-01-02 15:04 MST"), res.URL)
			return nil
		},
	}
}

func printBooks(w io.Writer, books []domain.BookEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tAUTHOR\tYEAR\tDONE")
	for _, b := range books {
		done := ""
		if b.Completed {
			done = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", b.ID, b.Title, b.Author, b.Year, done)
	}
	return tw.Flush()
}

func printEvents(w io.Writer, events []domain.Event) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tKIND\tBOOK\tCOMPLETED\tAT")
	for _, ev := range events {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%t\t%s\n", ev.Seq, ev.Kind, ev.BookID, ev.Completed, ev.At.Format("2006-01-02T15:04:05Z07:00"))
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
