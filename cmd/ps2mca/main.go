// ps2mca reads, dumps and restores PS2 memory cards through the USB PS3
// Memory Card Adaptor, or works directly on flat .ps2 image files.
package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	times "gopkg.in/djherbis/times.v1"

	"github.com/tunederuz/go-ps2mca/card"
	"github.com/tunederuz/go-ps2mca/filesystem/ps2fs"
)

var (
	imagePath string
	verbose   bool
)

func main() {
	root := &cobra.Command{
		Use:           "ps2mca",
		Short:         "PS2 memory card tool for the PS3 Memory Card Adaptor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.SetLevel(log.InfoLevel)
			if verbose {
				log.SetLevel(log.DebugLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&imagePath, "image", "", "operate on a card image file instead of the USB adaptor")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(infoCmd(), lsCmd(), dumpCmd(), restoreCmd(), eraseCmd())

	if err := root.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

// openCard opens either the hardware handle or the image named by --image.
func openCard() (card.Card, error) {
	var c card.Card
	if imagePath != "" {
		c = card.NewImage(imagePath)
	} else {
		c = card.NewDevice()
	}
	if err := c.Open(); err != nil {
		return nil, err
	}
	return c, nil
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show card geometry, superblock and feature flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCard()
			if err != nil {
				return err
			}
			defer c.Close()

			specs, err := c.Specs()
			if err != nil {
				return err
			}
			feat, err := c.Features()
			if err != nil {
				return err
			}
			formatted, err := c.IsFormatted()
			if err != nil {
				return err
			}
			fmt.Printf("pages: %d, block: %d pages, page: %d bytes\n", specs.CardSize, specs.BlockSize, specs.PageSize)
			fmt.Printf("features: ecc=%v bad-blocks=%v erased-byte=%#02x\n", feat.ECC, feat.BadBlocks, feat.ErasedByte())
			fmt.Printf("formatted: %v\n", formatted)
			if formatted {
				sb, err := c.Superblock()
				if err != nil {
					return err
				}
				fmt.Println(sb)
			}
			if imagePath != "" {
				if ts, err := times.Stat(imagePath); err == nil {
					fmt.Printf("image modified: %s\n", ts.ModTime().Format("2006-01-02 15:04:05"))
				}
			}
			return nil
		},
	}
}

func lsCmd() *cobra.Command {
	var cluster uint32
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List a directory, the root by default",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCard()
			if err != nil {
				return err
			}
			defer c.Close()

			fsys, err := ps2fs.New(c)
			if err != nil {
				return err
			}
			rel := fsys.RootCluster()
			if cmd.Flags().Changed("cluster") {
				rel = cluster
			}
			entries, err := fsys.ReadDir(rel)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("directory is empty")
				return nil
			}
			fmt.Printf("%-6s %10s  %-19s  %-32s %s\n", "TYPE", "SIZE", "MODIFIED", "NAME", "CLUSTER")
			for _, e := range entries {
				kind := "file"
				size := fmt.Sprintf("%d", e.Length)
				switch {
				case e.IsDir():
					kind, size = "dir", "<DIR>"
				case e.IsPSX():
					kind = "psx"
				case e.IsPocketStation():
					kind = "pkst"
				}
				name := e.Name
				if e.IsHidden() {
					name = "[hidden] " + name
				}
				fmt.Printf("%-6s %10s  %-19s  %-32s %d\n", kind, size, e.Modified, name, e.Cluster)
			}
			return nil
		},
	}
	cmd.Flags().Uint32Var(&cluster, "cluster", 0, "list the directory chain starting at this relative cluster")
	return cmd
}

func dumpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dump <out.ps2>",
		Short: "Dump the whole card, spare areas included, to an image file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCard()
			if err != nil {
				return err
			}
			defer c.Close()

			out, err := os.Create(args[0])
			if err != nil {
				return err
			}
			defer out.Close()

			report, err := card.Dump(c, out, pageProgress("dumped"), nil)
			if err != nil {
				return err
			}
			if skipped := report.Skipped.Count(); skipped > 0 {
				log.Warnf("%d pages were unreadable and written as erased filler", skipped)
			}
			fmt.Printf("dumped %d pages to %s\n", report.Pages, args[0])
			return nil
		},
	}
}

func restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <in.ps2>",
		Short: "Erase the card and write an image back onto it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCard()
			if err != nil {
				return err
			}
			defer c.Close()

			img := card.NewImage(args[0])
			if err := img.Open(); err != nil {
				return err
			}
			if err := card.Restore(c, img, pageProgress("restored"), nil); err != nil {
				return err
			}
			fmt.Println("restore complete")
			return nil
		},
	}
}

func eraseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "erase",
		Short: "Erase every block on the card",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := openCard()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := card.EraseAll(c, pageProgress("erased"), nil); err != nil {
				return err
			}
			fmt.Println("erase complete")
			return nil
		},
	}
}

// pageProgress logs a line every 1024 pages and at the end.
func pageProgress(verb string) card.Progress {
	return func(page, total uint32) {
		if (page+1)%1024 == 0 || page+1 == total {
			log.Infof("%s %d/%d pages", verb, page+1, total)
		}
	}
}
