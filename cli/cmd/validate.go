package cmd

import (
	"errors"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/Hi-LinkDuino/RM56-sub005/cli/config"
	"github.com/Hi-LinkDuino/RM56-sub005/cli/render"
)

// ValidateResponse is the response for the validate command.
type ValidateResponse struct {
	Path     string   `json:"path"`
	Valid    bool     `json:"valid"`
	Problems []string `json:"problems,omitempty"`
}

// ValidateCommand returns the validate command.
func ValidateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check a config file without running anything",
		ArgsUsage: "<config.yaml>",
		Flags:     OutputFlags(),
		Action:    validateAction,
	}
}

func validateAction(c *cli.Context) error {
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for validate command", 1)
	}
	path := c.Args().First()
	if path == "" {
		path = c.String("config")
	}
	if path == "" {
		return cli.Exit("validate requires a config path", 1)
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	resp := ValidateResponse{Path: path, Valid: true}
	cfg, err := config.Load(path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		resp.Valid = false
		resp.Problems = problems(err)
	}

	if err := r.Render(resp); err != nil {
		return err
	}
	if !resp.Valid {
		return cli.Exit("", exitError)
	}
	return nil
}

// problems splits a joined error into one line per cause.
func problems(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, problems(e)...)
		}
		return out
	}
	return strings.Split(err.Error(), "\n")
}

// loadConfig loads --config if given, else the defaults, then validates.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Defaults()
	if path := c.String("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
