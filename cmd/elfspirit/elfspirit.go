package main

import (
	"context"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v3"

	"github.com/xplshn/elfspirit"
)

func main() {
	app := &cli.Command{
		Name:  "elfspirit",
		Usage: "Tool to edit the structure of ELF files",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "output",
				Usage: "Write the result to this file instead of editing in place",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log every step",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored output",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "addsec",
				Usage: "Add a zero-filled section",
				Flags: []cli.Flag{
					sectionNameFlag(),
					&cli.StringFlag{
						Name:     "section-size",
						Aliases:  []string{"z"},
						Usage:    "Size of the section, decimal or 0x hex",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "offset",
						Aliases: []string{"o"},
						Usage:   "File offset of the section content, word aligned (default: end of file)",
						Value:   "0",
					},
				},
				Action:    addSection,
				ArgsUsage: "<elf_file>",
			},
			{
				Name:      "delsec",
				Usage:     "Delete a section header",
				Flags:     []cli.Flag{sectionNameFlag()},
				Action:    deleteSection,
				ArgsUsage: "<elf_file>",
			},
			{
				Name:      "delshtab",
				Usage:     "Delete the section header table (irreversible)",
				Action:    deleteSectionHeaderTable,
				ArgsUsage: "<elf_file>",
			},
			{
				Name:  "injectso",
				Usage: "Embed a shared object as a new segment and add it to DT_NEEDED",
				Flags: []cli.Flag{
					sectionNameFlag(),
					&cli.StringFlag{
						Name:     "file-name",
						Aliases:  []string{"f"},
						Usage:    "Shared object to inject",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "configure-name",
						Aliases: []string{"c"},
						Usage:   "YAML or JSON injection config",
					},
					&cli.StringFlag{
						Name:    "lib-version",
						Aliases: []string{"v"},
						Usage:   "libc version used to pick a config variant",
					},
				},
				Action:    injectSO,
				ArgsUsage: "<elf_file>",
			},
			{
				Name:  "parse",
				Usage: "Print the ELF structure",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "demangle",
						Usage: "Demangle C++ and Rust symbol names",
					},
				},
				Action:    parse,
				ArgsUsage: "<elf_file>",
			},
		},
	}

	err := app.Run(context.Background(), os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func sectionNameFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "section-name",
		Aliases:  []string{"n"},
		Usage:    "Name of the section",
		Required: true,
	}
}

func newEngine(c *cli.Command) *elfspirit.Engine {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	if c.Bool("verbose") {
		logger = level.NewFilter(logger, level.AllowDebug())
	} else {
		logger = level.NewFilter(logger, level.AllowInfo())
	}
	if c.Bool("no-color") {
		color.NoColor = true
	}
	return elfspirit.NewEngine(afero.NewOsFs(), logger)
}

func target(c *cli.Command) (string, error) {
	if c.NArg() != 1 {
		return "", errors.New("missing input ELF file")
	}
	return c.Args().First(), nil
}

func addSection(ctx context.Context, c *cli.Command) error {
	path, err := target(c)
	if err != nil {
		return err
	}
	size, err := elfspirit.ParseUint(c.String("section-size"))
	if err != nil {
		return errors.WithMessage(err, "section size")
	}
	off, err := elfspirit.ParseUint(c.String("offset"))
	if err != nil {
		return errors.WithMessage(err, "offset")
	}
	_, err = newEngine(c).AddSection(ctx, elfspirit.AddSectionRequest{
		Path:   path,
		Output: c.String("output"),
		Name:   c.String("section-name"),
		Size:   size,
		Offset: off,
	})
	return err
}

func deleteSection(ctx context.Context, c *cli.Command) error {
	path, err := target(c)
	if err != nil {
		return err
	}
	return newEngine(c).DeleteSection(ctx, elfspirit.DeleteSectionRequest{
		Path:   path,
		Output: c.String("output"),
		Name:   c.String("section-name"),
	})
}

func deleteSectionHeaderTable(ctx context.Context, c *cli.Command) error {
	path, err := target(c)
	if err != nil {
		return err
	}
	return newEngine(c).DeleteSectionHeaderTable(ctx, elfspirit.DeleteSectionHeaderTableRequest{
		Path:   path,
		Output: c.String("output"),
	})
}

func injectSO(ctx context.Context, c *cli.Command) error {
	path, err := target(c)
	if err != nil {
		return err
	}
	_, err = newEngine(c).InjectSO(ctx, elfspirit.InjectSORequest{
		Path:        path,
		Output:      c.String("output"),
		SectionName: c.String("section-name"),
		SOPath:      c.String("file-name"),
		ConfigPath:  c.String("configure-name"),
		LibcVersion: c.String("lib-version"),
	})
	return err
}

func parse(ctx context.Context, c *cli.Command) error {
	path, err := target(c)
	if err != nil {
		return err
	}
	return newEngine(c).Parse(ctx, os.Stdout, elfspirit.ParseRequest{
		Path:     path,
		Demangle: c.Bool("demangle"),
		NoColor:  c.Bool("no-color"),
	})
}
