package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/Hi-LinkDuino/RM56-sub005/archive"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/render"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/tui"
)

// CrashesCommand returns the crashes command. It reads the archive only.
func CrashesCommand() *cli.Command {
	return &cli.Command{
		Name:  "crashes",
		Usage: "List archived aux crash reports, or print one dump",
		Flags: append(OutputFlags(),
			ConfigFlag,
			&cli.StringFlag{
				Name:  "session",
				Usage: "Only show crashes of this session",
			},
			&cli.StringFlag{
				Name:  "dump",
				Usage: "Print the dump records of this crash id",
			},
		),
		Action: crashesAction,
	}
}

func crashesAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid config: %v", err), exitError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	factory, err := storeFactory(ctx, cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to initialize archive reader: %w", err)
	}
	if factory == nil {
		return cli.Exit("crashes needs an archive backend (fs or s3) in the config", exitError)
	}
	ds, err := archive.NewDataset(cfg.Archive.Dataset, factory)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}

	crashes, err := archive.ListCrashReports(ctx, ds, c.String("session"))
	if err != nil {
		return fmt.Errorf("failed to read crash reports: %w", err)
	}
	if crashes == nil {
		crashes = []archive.CrashSummary{}
	}

	if id := c.String("dump"); id != "" {
		for _, cr := range crashes {
			if cr.ID != id {
				continue
			}
			if cr.DumpFile == "" {
				return cli.Exit(fmt.Sprintf("crash %s has no dump records", id), exitError)
			}
			data, err := archive.ReadDump(ctx, factory, cr.DumpFile)
			if err != nil {
				return fmt.Errorf("failed to read dump: %w", err)
			}
			_, err = c.App.Writer.Write(data)
			return err
		}
		return cli.Exit(fmt.Sprintf("crash %s not found", id), exitError)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return r.RenderTUI(tui.ViewCrashes, crashes)
	}
	return r.Render(crashes)
}
