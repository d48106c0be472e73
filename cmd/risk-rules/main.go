// Package main provides a CLI for inspecting rule and weight tables, scoring
// events offline and replaying archived batches against the current tables.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"secureops/internal/config"
	"secureops/internal/logging"
	"secureops/internal/model"
	"secureops/internal/rules"
	"secureops/internal/schema"
	"secureops/internal/service"
	"secureops/internal/storage/s3"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		runValidateCmd(os.Args[2:])
	case "list":
		runListCmd(os.Args[2:])
	case "weights":
		runWeightsCmd(os.Args[2:])
	case "score":
		runScoreCmd(os.Args[2:])
	case "replay":
		runReplayCmd(os.Args[2:])
	case "-version", "--version", "-v":
		fmt.Printf("risk-rules %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: risk-rules <command> [flags] [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  validate  Validate rule and weight table files\n")
	fmt.Fprintf(os.Stderr, "  list      List the rules of a rule table (embedded by default)\n")
	fmt.Fprintf(os.Stderr, "  weights   List the weights of a weight table (embedded by default)\n")
	fmt.Fprintf(os.Stderr, "  score     Score raw events read from a file or stdin\n")
	fmt.Fprintf(os.Stderr, "  replay    Re-score an archived batch and compare scores\n\n")
	fmt.Fprintf(os.Stderr, "Flags:\n")
	fmt.Fprintf(os.Stderr, "  -version  Show version and exit\n")
}

func runValidateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	verbose := fs.Bool("verbose", false, "Show detailed rule information")
	weights := fs.Bool("weights", false, "Treat files as weight tables")
	fs.Parse(args)

	paths := fs.Args()
	if len(paths) == 0 {
		fmt.Fprintf(os.Stderr, "Error: at least one path is required\n")
		fmt.Fprintf(os.Stderr, "Usage: risk-rules validate [--verbose] [--weights] <file> [<file>...]\n")
		os.Exit(1)
	}

	os.Exit(runValidate(os.Stdout, paths, *weights, *verbose))
}

func runValidate(w io.Writer, paths []string, weights, verbose bool) int {
	var valid, invalid int
	for _, path := range paths {
		var ok bool
		if weights {
			ok = validateWeights(w, path, verbose)
		} else {
			ok = validateRules(w, path, verbose)
		}
		if ok {
			valid++
		} else {
			invalid++
		}
	}

	fmt.Fprintf(w, "\nResults: %d files checked, %d valid, %d invalid\n", len(paths), valid, invalid)
	if invalid > 0 {
		return 1
	}
	return 0
}

func validateRules(w io.Writer, path string, verbose bool) bool {
	rs, err := rules.LoadRuleSet(path)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}
	if _, err := rules.NewEngine(rs, nil); err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Fprintf(w, "  OK    %s (version %s, %d rule(s))\n", path, rs.Version, len(rs.Rules))
	if verbose {
		for _, r := range rs.Rules {
			fmt.Fprintf(w, "        - %s (+%d)\n", r.Name, r.Points)
			for _, c := range r.Conditions {
				fmt.Fprintf(w, "          %s %s %g\n", c.Feature, c.Op, c.Value)
			}
		}
	}
	return true
}

func validateWeights(w io.Writer, path string, verbose bool) bool {
	wt, err := model.LoadWeightTable(path)
	if err != nil {
		fmt.Fprintf(w, "  FAIL  %s: %v\n", path, err)
		return false
	}

	fmt.Fprintf(w, "  OK    %s (version %s, %d weight(s))\n", path, wt.Version, len(wt.Weights))
	if verbose {
		for _, wg := range wt.Weights {
			fmt.Fprintf(w, "        - %s = %g\n", wg.Feature, wg.Weight)
		}
	}
	return true
}

func runListCmd(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	fs.Parse(args)

	var (
		rs  *rules.RuleSet
		err error
	)
	if fs.NArg() > 0 {
		rs, err = rules.LoadRuleSet(fs.Arg(0))
	} else {
		rs, err = rules.DefaultRuleSet()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	printRules(os.Stdout, rs)
}

func printRules(w io.Writer, rs *rules.RuleSet) {
	fmt.Fprintf(w, "rule table version %s\n\n", rs.Version)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ORDER\tRULE\tPOINTS\tCONDITIONS")
	for i, r := range rs.Rules {
		conds := make([]string, 0, len(r.Conditions))
		for _, c := range r.Conditions {
			conds = append(conds, fmt.Sprintf("%s %s %g", c.Feature, c.Op, c.Value))
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", i+1, r.Name, r.Points, strings.Join(conds, " && "))
	}
	tw.Flush()
}

func runWeightsCmd(args []string) {
	fs := flag.NewFlagSet("weights", flag.ExitOnError)
	fs.Parse(args)

	var (
		wt  *model.WeightTable
		err error
	)
	if fs.NArg() > 0 {
		wt, err = model.LoadWeightTable(fs.Arg(0))
	} else {
		wt, err = model.DefaultWeightTable()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("weight table version %s\n\n", wt.Version)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tWEIGHT")
	for _, wg := range wt.Weights {
		fmt.Fprintf(tw, "%s\t%g\n", wg.Feature, wg.Weight)
	}
	tw.Flush()
}

// loadConfig reads the service configuration and applies table overrides
// from the command line. Logs go to stderr so stdout stays machine-readable.
func loadConfig(rulesPath, weightsPath string) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if rulesPath != "" {
		cfg.Pipeline.RulesPath = rulesPath
	}
	if weightsPath != "" {
		cfg.Pipeline.WeightsPath = weightsPath
	}
	logger := logging.NewLogger("warn", "text", os.Stderr)
	return cfg, logger, nil
}

func runScoreCmd(args []string) {
	fs := flag.NewFlagSet("score", flag.ExitOnError)
	rulesPath := fs.String("rules", "", "Rule table file (default: configured or embedded)")
	weightsPath := fs.String("weights", "", "Weight table file (default: configured or embedded)")
	sourceIP := fs.String("source-ip", "", "Transport source IP used to backfill actor.ip")
	fs.Parse(args)

	var in io.Reader = os.Stdin
	if fs.NArg() > 0 && fs.Arg(0) != "-" {
		f, err := os.Open(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	cfg, logger, err := loadConfig(*rulesPath, *weightsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	rt, err := service.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := scoreEvents(context.Background(), rt.Pipeline, in, os.Stdout, *sourceIP); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// processor is the part of the pipeline the score command uses.
type processor interface {
	Process(ctx context.Context, raw schema.RawEvent, sourceIP string) (*schema.ScoredEvent, error)
}

// rescorer scores stored events again against the loaded tables.
type rescorer interface {
	Rescore(prev *schema.ScoredEvent) schema.ScoringResult
}

// scoreEvents reads a stream of JSON objects or arrays of objects and writes
// one JSON line per event. Invalid events produce an error line and do not
// stop the stream.
func scoreEvents(ctx context.Context, p processor, in io.Reader, out io.Writer, sourceIP string) error {
	dec := json.NewDecoder(in)
	enc := json.NewEncoder(out)

	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode input: %w", err)
		}

		var batch []schema.RawEvent
		if trimmed := strings.TrimSpace(string(msg)); strings.HasPrefix(trimmed, "[") {
			if err := json.Unmarshal(msg, &batch); err != nil {
				return fmt.Errorf("decode batch: %w", err)
			}
		} else {
			var raw schema.RawEvent
			if err := json.Unmarshal(msg, &raw); err != nil {
				return fmt.Errorf("decode event: %w", err)
			}
			batch = []schema.RawEvent{raw}
		}

		for _, raw := range batch {
			scored, err := p.Process(ctx, raw, sourceIP)
			if err != nil {
				if encErr := enc.Encode(map[string]string{"error": err.Error()}); encErr != nil {
					return encErr
				}
				continue
			}
			if err := enc.Encode(scored); err != nil {
				return err
			}
		}
	}
}

func runReplayCmd(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	rulesPath := fs.String("rules", "", "Rule table file (default: configured or embedded)")
	weightsPath := fs.String("weights", "", "Weight table file (default: configured or embedded)")
	threshold := fs.Int("threshold", 0, "Only report events whose score changed by at least this much")
	fs.Parse(args)

	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "Error: an archive object key is required\n")
		fmt.Fprintf(os.Stderr, "Usage: risk-rules replay [--rules file] [--weights file] <key>\n")
		os.Exit(1)
	}

	cfg, logger, err := loadConfig(*rulesPath, *weightsPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	ctx := context.Background()

	client, err := s3.NewClient(ctx, s3.FromAppConfig(cfg.Archive), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	archiver := s3.NewArchiver(client, s3.DefaultArchiverConfig(), logger)
	defer archiver.Close()

	events, err := archiver.Read(ctx, fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	rt, err := service.New(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()

	changed := replay(rt.Pipeline, events, os.Stdout, *threshold)
	fmt.Printf("\n%d events replayed, %d changed\n", len(events), changed)
}

// replay re-scores archived events from their stored enrichment and prints
// those whose final score moved by at least threshold. It returns the number
// of changed events.
func replay(p rescorer, events []*schema.ScoredEvent, w io.Writer, threshold int) int {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tOLD\tNEW\tDELTA\tRULES")

	changed := 0
	for _, old := range events {
		fresh := p.Rescore(old)

		delta := fresh.FinalScore - old.Scoring.FinalScore
		if delta == 0 {
			continue
		}
		changed++
		if abs(delta) < threshold {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%+d\t%s\n",
			old.Event.EventID,
			old.Scoring.FinalScore,
			fresh.FinalScore,
			delta,
			strings.Join(fresh.TriggeredRules, ","))
	}
	tw.Flush()
	return changed
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
