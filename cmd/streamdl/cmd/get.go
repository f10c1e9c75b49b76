package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/javi11/streamdl"
)

func init() {
	getCmd := &cobra.Command{
		Use:   "get <url>",
		Short: "Download a remote resource through the seekable bridge",
		Long: `Download a remote resource to a local file or stdout. Bytes are staged
in a temporary backing file and consumed through the same blocking reader a
media decoder would use.`,
		Args: cobra.ExactArgs(1),
		RunE: runGet,
	}

	getCmd.Flags().StringP("output", "o", "", "output file (default stdout)")
	getCmd.Flags().Int64("prefetch-bytes", streamdl.DefaultPrefetchBytes, "bytes buffered before reads start")
	getCmd.Flags().Uint("retries", 0, "restart a failed session up to this many times")

	rootCmd.AddCommand(getCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	url := args[0]
	logger := slog.Default().With("component", "cli")

	var out io.Writer = os.Stdout
	if path := viper.GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	settings := streamdl.Settings{PrefetchBytes: viper.GetInt64("prefetch-bytes")}

	// The core never retries transport errors; a failed session is simply
	// restarted from scratch here when asked to.
	return retry.Do(
		func() error {
			return download(cmd.Context(), url, settings, out, logger)
		},
		retry.Attempts(viper.GetUint("retries")+1),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(cmd.Context()),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("Restarting session", "attempt", n+1, "error", err)
		}),
	)
}

func download(ctx context.Context, url string, settings streamdl.Settings, out io.Writer, logger *slog.Logger) error {
	reader, err := streamdl.NewHTTP(ctx, url, settings)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer reader.Close()

	if length := reader.ContentLength(); length >= 0 {
		logger.Info("Downloading", "url", url, "bytes", length)
	} else {
		logger.Info("Downloading", "url", url, "bytes", "unknown")
	}

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-progressCtx.Done():
				return nil
			case <-ticker.C:
				logger.Info("Progress", "downloaded_bytes", reader.DownloadedBytes())
			}
		}
	})
	g.Go(func() error {
		defer stopProgress()
		if _, err := io.Copy(out, reader); err != nil {
			return fmt.Errorf("copy: %w", err)
		}
		return nil
	})

	return g.Wait()
}
