package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/chainstream/internal/journal"
	"github.com/bamsammich/chainstream/internal/platform"
	"github.com/bamsammich/chainstream/internal/stats"
)

// verifyCmd re-hashes every journaled range of a flattened image and compares
// against the digests recorded while streaming.
func verifyCmd() *cobra.Command {
	var journalPath string

	cmd := &cobra.Command{
		Use:   "verify <image>",
		Short: "Verify journaled ranges against the image content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}

			path := journalPath
			if path == "" || path == "auto" {
				path = journal.DefaultPath(target)
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no journal at %s: %w", path, err)
			}

			jnl, err := journal.Open(path, target)
			if err != nil {
				return err
			}
			defer jnl.Close()

			ranges, err := jnl.Ranges()
			if err != nil {
				return err
			}
			if len(ranges) == 0 {
				fmt.Fprintln(os.Stdout, "journal is empty, nothing to verify")
				return nil
			}

			f, err := os.Open(target)
			if err != nil {
				return err
			}
			defer f.Close()

			var verified, mismatched int
			var bytesChecked int64
			bufp := platform.GetBuffer()
			defer platform.PutBuffer(bufp)
			buf := *bufp

			for _, r := range ranges {
				h := blake3.New()
				remaining := r.Length
				off := r.Off
				for remaining > 0 {
					n := int64(len(buf))
					if n > remaining {
						n = remaining
					}
					if _, err := f.ReadAt(buf[:n], off); err != nil {
						return fmt.Errorf("read %s at %d: %w", args[0], off, err)
					}
					h.Write(buf[:n])
					off += n
					remaining -= n
				}
				if hex.EncodeToString(h.Sum(nil)) == r.Digest {
					verified++
				} else {
					mismatched++
					slog.Warn("digest mismatch", "offset", r.Off, "length", r.Length)
				}
				bytesChecked += r.Length
			}

			fmt.Fprintf(os.Stdout, "verified %d/%d ranges (%s)\n",
				verified, len(ranges), stats.FormatBytes(bytesChecked))
			if mismatched > 0 {
				return fmt.Errorf("%d ranges do not match their journaled digest", mismatched)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&journalPath, "journal", "", "journal file (default: derived from image path)")
	return cmd
}
