package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sexfrance/truedriver/common"
	"github.com/sexfrance/truedriver/log"
)

type rootFlags struct {
	wsURL    string
	timeout  time.Duration
	logLevel string
	verbose  bool
}

func main() {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "truedriver",
		Short:         "Drive a remote browser over the DevTools protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.wsURL, "ws-url", "", "DevTools websocket URL (overrides TRUEDRIVER_WS_URL)")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 0, "default operation timeout")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(framesCmd(flags))
	rootCmd.AddCommand(findCmd(flags))
	rootCmd.AddCommand(evalCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connect(ctx context.Context, flags *rootFlags) (*common.Browser, *log.Logger, error) {
	ll := logrus.New()
	ll.SetOutput(os.Stderr)
	logger := log.New(ll, flags.verbose, nil)
	if err := logger.SetLevel(flags.logLevel); err != nil {
		return nil, nil, err
	}

	opts, err := common.NewOptions()
	if err != nil {
		return nil, nil, fmt.Errorf("reading options from environment: %w", err)
	}
	if flags.wsURL != "" {
		opts.WSURL = flags.wsURL
	}
	if flags.timeout > 0 {
		opts.Timeout = flags.timeout
	}
	if opts.WSURL == "" {
		return nil, nil, fmt.Errorf("no websocket URL; use --ws-url or TRUEDRIVER_WS_URL")
	}

	browser, err := common.Connect(ctx, opts, logger)
	if err != nil {
		return nil, nil, err
	}
	return browser, logger, nil
}

func firstTab(browser *common.Browser) (*common.Tab, error) {
	tabs := browser.Pages()
	if len(tabs) == 0 {
		return nil, fmt.Errorf("browser has no open pages")
	}
	return tabs[0], nil
}

func framesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "frames [url]",
		Short: "Print the frame tree of the first open page",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			browser, _, err := connect(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer browser.Close()

			tab, err := firstTab(browser)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				if err := tab.Navigate(cmd.Context(), args[0]); err != nil {
					return err
				}
			}

			// Pre-order means a parent always precedes its children.
			depths := map[cdp.FrameID]int{}
			for i, fi := range tab.Frames() {
				depth := 0
				if fi.ParentID != "" {
					depth = depths[fi.ParentID] + 1
				}
				depths[fi.ID] = depth
				fmt.Printf("%2d %s%s  name=%q url=%s\n",
					i, strings.Repeat("  ", depth), fi.ID, fi.Name, fi.URL)
			}
			return nil
		},
	}
}

func findCmd(flags *rootFlags) *cobra.Command {
	var (
		css       bool
		bestMatch bool
	)
	cmd := &cobra.Command{
		Use:   "find <query>",
		Short: "Find an element by text, or by CSS selector with --css",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			browser, _, err := connect(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer browser.Close()

			tab, err := firstTab(browser)
			if err != nil {
				return err
			}

			var handle *common.ElementHandle
			if css {
				handle, err = tab.QuerySelector(cmd.Context(), args[0])
			} else {
				handle, err = tab.Find(cmd.Context(), args[0],
					common.FindOptions{BestMatch: bestMatch})
			}
			if err != nil {
				return err
			}
			defer handle.Dispose(cmd.Context()) //nolint:errcheck

			text, err := handle.TextContent(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&css, "css", false, "treat the query as a CSS selector")
	cmd.Flags().BoolVar(&bestMatch, "best-match", false, "pick the element whose text length is closest to the query")
	return cmd
}

func evalCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "eval <js>",
		Short: "Evaluate a JS function in the current frame of the first open page",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			browser, _, err := connect(cmd.Context(), flags)
			if err != nil {
				return err
			}
			defer browser.Close()

			tab, err := firstTab(browser)
			if err != nil {
				return err
			}
			res, err := tab.Evaluate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%v\n", res)
			return nil
		},
	}
}
