package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/promsink/promsink/internal/promtext"
)

type parseMetricsCommand struct {
	input string
}

// NewParseMetricsCommand returns the parse-metrics command.
func NewParseMetricsCommand(app *kingpin.Application) Command {
	c := &parseMetricsCommand{}
	cmd := app.Command("parse-metrics", "Parses Prometheus text exposition format and prints the events as JSON lines, handy to debug scrape sources.")

	cmd.Flag("input", "The path to the metrics file, '-' reads from stdin.").Short('i').Default("-").StringVar(&c.input)

	return c
}

func (p parseMetricsCommand) Name() string { return "parse-metrics" }
func (p parseMetricsCommand) Run(ctx context.Context, config RootConfig) error {
	var in io.Reader = config.Stdin
	if p.input != "-" {
		f, err := os.Open(p.input)
		if err != nil {
			return fmt.Errorf("could not open metrics file: %w", err)
		}
		defer f.Close()
		in = f
	}

	metrics, err := promtext.ParseText(in)
	if err != nil {
		return fmt.Errorf("could not parse metrics: %w", err)
	}

	for _, metric := range metrics {
		data, err := json.Marshal(metric)
		if err != nil {
			return fmt.Errorf("could not marshal event: %w", err)
		}
		fmt.Fprintln(config.Stdout, string(data))
	}

	return nil
}
