package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/jobtrack/internal/pipeline"
)

// errIngestFailed marks a run where at least one posting failed. The results
// were already printed, so main only sets the exit status.
var errIngestFailed = errors.New("one or more postings failed")

type ingestOptions struct {
	force    bool
	textFile string
	url      string
}

func newIngestCmd(open func(*cobra.Command) (App, error)) *cobra.Command {
	opts := &ingestOptions{}
	cmd := &cobra.Command{
		Use:   "ingest [URL...]",
		Short: "Extract and store job postings",
		Long: `Runs each URL through fetch, normalize, extract and store, printing one
JSON result per URL. With --text the posting is read from a file ("-" for
stdin) instead of being fetched; --url then sets its identity.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.textFile == "" && len(args) == 0 {
				return errors.New("at least one URL or --text is required")
			}
			if opts.textFile != "" && len(args) > 0 {
				return errors.New("URL arguments cannot be combined with --text; use --url")
			}
			app, err := open(cmd)
			if err != nil {
				return err
			}
			defer app.Close() //nolint:errcheck // Close logs its own failures.
			return runIngest(cmd, app, args, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.force, "force", false, "let a lower-confidence extraction replace a stored record")
	cmd.Flags().StringVar(&opts.textFile, "text", "", "read the posting text from a file instead of fetching")
	cmd.Flags().StringVar(&opts.url, "url", "", "source URL of the posting given with --text")
	return cmd
}

func runIngest(cmd *cobra.Command, app App, urls []string, opts *ingestOptions) error {
	ctx := cmd.Context()
	runOpts := pipeline.Options{Force: opts.force}

	var results []pipeline.Result
	switch {
	case opts.textFile != "":
		text, err := readText(cmd.InOrStdin(), opts.textFile)
		if err != nil {
			return err
		}
		results = []pipeline.Result{app.ProcessText(ctx, opts.url, text, runOpts)}
	case len(urls) == 1:
		results = []pipeline.Result{app.Process(ctx, urls[0], runOpts)}
	default:
		results = app.RunBatch(ctx, urls, runOpts)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	failed := false
	for _, res := range results {
		if err := enc.Encode(res); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
		if res.State != pipeline.StateDone {
			failed = true
		}
	}
	if failed {
		return errIngestFailed
	}
	return nil
}

func readText(stdin io.Reader, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read posting text: %w", err)
	}
	return string(data), nil
}
