package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/ferro-labs/placecache"
	"github.com/ferro-labs/placecache/debounce"
	"github.com/ferro-labs/placecache/internal/logging"
)

// newInteractiveCmd reads the search box contents line by line, one line per
// edit, and searches once input settles.
func newInteractiveCmd(opts *rootOptions) *cobra.Command {
	var (
		loc       locationFlags
		delay     time.Duration
		minLength int
	)
	cmd := &cobra.Command{
		Use:   "interactive",
		Short: "Search as you type, debounced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = app.Close() }()

			out := cmd.OutOrStdout()
			var mu sync.Mutex
			ctrl := debounce.New(func(ctx context.Context, text string) {
				res, err := app.Service.Search(ctx, text, loc.location())
				mu.Lock()
				defer mu.Unlock()
				switch {
				case errors.Is(err, context.Canceled):
					logging.Logger.Debug("search superseded", "query", text)
				case err != nil:
					fmt.Fprintf(out, "%q: %v\n", text, err)
				default:
					printResult(out, text, res)
				}
			}, debounce.WithDelay(delay), debounce.WithMinLength(minLength))
			defer ctrl.Stop()

			sc := bufio.NewScanner(cmd.InOrStdin())
			for sc.Scan() {
				ctrl.Submit(sc.Text())
			}
			ctrl.Flush()
			ctrl.Wait()
			return sc.Err()
		},
	}
	loc.register(cmd)
	cmd.Flags().DurationVar(&delay, "delay", debounce.DefaultDelay, "quiet period before searching")
	cmd.Flags().IntVar(&minLength, "min-length", placecache.DefaultMinQueryLength, "shortest input that triggers a search")
	return cmd
}
