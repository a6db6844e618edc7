package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/samijaber1/aegis-authz/internal/attr"
	"github.com/samijaber1/aegis-authz/internal/celexpr"
	"github.com/samijaber1/aegis-authz/internal/policy"
	"github.com/samijaber1/aegis-authz/internal/rbac"
	"github.com/samijaber1/aegis-authz/internal/reload"
)

var (
	okMark   = color.New(color.FgGreen).SprintFunc()
	failMark = color.New(color.FgRed).SprintFunc()
	warnMark = color.New(color.FgYellow).SprintFunc()
)

func main() {
	validateCmd := pflag.NewFlagSet("validate", pflag.ExitOnError)
	validateDir := validateCmd.String("dir", "", "directory containing RBAC policy YAML files")

	evalCmd := pflag.NewFlagSet("eval", pflag.ExitOnError)
	evalDir := evalCmd.String("dir", "", "directory containing RBAC policy YAML files")
	evalInputs := evalCmd.StringSlice("input", nil, "JSON attribute snapshot file (repeatable)")
	evalCostLimit := evalCmd.Uint64("cost-limit", 10000, "CEL runtime cost limit per condition")

	notifyCmd := pflag.NewFlagSet("notify", pflag.ExitOnError)
	notifyAddr := notifyCmd.String("redis-addr", "localhost:6379", "redis address")
	notifyChannel := notifyCmd.String("channel", "aegis:policies:reload", "redis channel servers subscribe to")
	notifyReason := notifyCmd.String("reason", "", "reason recorded with the notification")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		_ = validateCmd.Parse(os.Args[2:])
		if *validateDir == "" {
			fmt.Fprintln(os.Stderr, "Error: --dir flag is required")
			validateCmd.Usage()
			os.Exit(1)
		}
		os.Exit(runValidate(*validateDir))
	case "eval":
		_ = evalCmd.Parse(os.Args[2:])
		inputs := append(*evalInputs, evalCmd.Args()...)
		if *evalDir == "" || len(inputs) == 0 {
			fmt.Fprintln(os.Stderr, "Error: --dir and at least one --input are required")
			evalCmd.Usage()
			os.Exit(1)
		}
		os.Exit(runEval(*evalDir, inputs, *evalCostLimit))
	case "notify":
		_ = notifyCmd.Parse(os.Args[2:])
		os.Exit(runNotify(*notifyAddr, *notifyChannel, *notifyReason))
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: authz <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  validate --dir <path>                  Validate RBAC policy YAML files in a directory")
	fmt.Println("  eval --dir <path> --input <file>...    Evaluate attribute snapshots against a policy directory")
	fmt.Println("  notify --redis-addr <addr>             Ask running servers to reload their policies")
	fmt.Println()
}

func runValidate(dirPath string) int {
	ev, err := celexpr.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize evaluator: %v\n", err)
		return 1
	}

	validator, err := rbac.NewValidator(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize validator: %v\n", err)
		return 1
	}

	errs := validator.ValidateDirectory(dirPath)
	if len(errs) == 0 {
		fmt.Println(okMark("✓"), "All policy files are valid")
		return 0
	}

	printValidationErrors(errs)
	return 1
}

func printValidationErrors(errs []rbac.ValidationError) {
	// Group errors by file
	errorsByFile := make(map[string][]rbac.ValidationError)
	for _, err := range errs {
		errorsByFile[err.File] = append(errorsByFile[err.File], err)
	}

	var files []string
	for file := range errorsByFile {
		files = append(files, file)
	}
	sort.Strings(files)

	fmt.Fprintf(os.Stderr, "%s Validation failed with %d error(s):\n\n", failMark("✗"), len(errs))
	for _, file := range files {
		for _, err := range errorsByFile[file] {
			if err.Path != "" {
				fmt.Fprintf(os.Stderr, "%s: %s: %s\n", filepath.Base(err.File), err.Path, err.Message)
			} else {
				fmt.Fprintf(os.Stderr, "%s: %s\n", filepath.Base(err.File), err.Message)
			}
		}
	}
}

type evalResult struct {
	input    string
	decision policy.AuthorizationDecision
	err      error
}

func runEval(dirPath string, inputs []string, costLimit uint64) int {
	ev, err := celexpr.New(celexpr.WithCostLimit(costLimit))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize evaluator: %v\n", err)
		return 1
	}

	validator, err := rbac.NewValidator(ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize validator: %v\n", err)
		return 1
	}

	docs, errs := validator.LoadDirectory(dirPath)
	if len(errs) > 0 {
		printValidationErrors(errs)
		return 1
	}

	sets, err := rbac.ToPolicySets(docs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	engine, err := policy.New(sets, ev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	results := make([]evalResult, len(inputs))
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(8)
	for i, input := range inputs {
		i, input := i, input
		g.Go(func() error {
			results[i] = evaluateFile(ctx, engine, input)
			return nil
		})
	}
	_ = g.Wait()

	exit := 0
	for _, res := range results {
		if res.err != nil {
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", failMark("✗"), res.input, res.err)
			exit = 1
			continue
		}
		fmt.Printf("%s: %s (%s)\n", res.input, colorDecision(res.decision.Decision), res.decision.Reason)
		if len(res.decision.MatchedPolicyNames) > 0 {
			fmt.Printf("    matched: %s\n", strings.Join(res.decision.MatchedPolicyNames, ", "))
		}
		for _, evalErr := range res.decision.Errors {
			fmt.Printf("    %s %v\n", warnMark("!"), evalErr)
		}
	}
	return exit
}

// evaluateFile accepts either {"attributes": {...}} or a bare attribute object
func evaluateFile(ctx context.Context, engine *policy.Engine, path string) evalResult {
	res := evalResult{input: path}

	data, err := os.ReadFile(path)
	if err != nil {
		res.err = err
		return res
	}

	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		res.err = fmt.Errorf("invalid JSON: %w", err)
		return res
	}
	if nested, ok := raw["attributes"].(map[string]any); ok {
		raw = nested
	}

	snapshot, err := attr.FromMap(raw)
	if err != nil {
		res.err = err
		return res
	}

	res.decision, res.err = engine.Evaluate(ctx, snapshot)
	return res
}

func colorDecision(d policy.Decision) string {
	switch d {
	case policy.DecisionALLOW:
		return okMark(string(d))
	case policy.DecisionDENY:
		return failMark(string(d))
	default:
		return warnMark(string(d))
	}
}

func runNotify(addr, channel, reason string) int {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := reload.PublishReload(ctx, client, channel, reason); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed to publish reload: %v\n", failMark("✗"), err)
		return 1
	}
	fmt.Println(okMark("✓"), "Reload notification published to", channel)
	return 0
}
