package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"grimm.is/egret/cmd"
	"grimm.is/egret/internal/brand"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "apply":
		applyFlags := flag.NewFlagSet("apply", flag.ExitOnError)
		policyFile := applyFlags.String("config", "", "Policy file")
		applyFlags.StringVar(policyFile, "c", "", "Policy file (short)")
		dryRun := applyFlags.Bool("dry-run", false, "Print the compiled ruleset without applying")
		applyFlags.BoolVar(dryRun, "n", false, "Dry run (short)")
		applyFlags.Parse(os.Args[2:])
		if applyFlags.NArg() > 0 {
			*policyFile = applyFlags.Arg(0)
		}

		if err := cmd.RunApply(*policyFile, *dryRun); err != nil {
			fmt.Fprintf(os.Stderr, "Apply failed: %v\n", err)
			os.Exit(1)
		}

	case "run":
		runFlags := flag.NewFlagSet("run", flag.ExitOnError)
		policyFile := runFlags.String("config", "", "Policy file")
		runFlags.StringVar(policyFile, "c", "", "Policy file (short)")
		interval := runFlags.Duration("interval", 5*time.Minute, "Reconcile interval")
		metricsAddr := runFlags.String("metrics", "", "Prometheus listen address (e.g. 127.0.0.1:9478)")
		runFlags.Parse(os.Args[2:])

		if err := cmd.RunDaemon(*policyFile, *metricsAddr, *interval); err != nil {
			fmt.Fprintf(os.Stderr, "Run failed: %v\n", err)
			os.Exit(1)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		policyFile := ""
		if checkFlags.NArg() > 0 {
			policyFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(policyFile, *verbose); err != nil {
			fmt.Fprintf(os.Stderr, "Check failed: %v\n", err)
			os.Exit(1)
		}

	case "verify":
		policyFile := ""
		if len(os.Args) > 2 {
			policyFile = os.Args[2]
		}
		if err := cmd.RunVerify(policyFile); err != nil {
			fmt.Fprintf(os.Stderr, "Verify failed: %v\n", err)
			os.Exit(1)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		policyFile := statusFlags.String("config", "", "Policy file")
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*policyFile); err != nil {
			fmt.Fprintf(os.Stderr, "Status failed: %v\n", err)
			os.Exit(1)
		}

	case "audit":
		if err := cmd.RunAudit(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "Audit failed: %v\n", err)
			os.Exit(1)
		}

	case "teardown":
		if err := cmd.RunTeardown(); err != nil {
			fmt.Fprintf(os.Stderr, "Teardown failed: %v\n", err)
			os.Exit(1)
		}

	case "lockdown":
		if err := cmd.RunLockdown(); err != nil {
			fmt.Fprintf(os.Stderr, "Lockdown failed: %v\n", err)
			os.Exit(1)
		}

	case "version":
		fmt.Printf("%s version %s\n", brand.Name, brand.Version)
		fmt.Printf("Build: %s\n", brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`%s - %s

Usage:
  %s <command> [options]

Core Commands:
  apply     Resolve the policy and install the ruleset (one-shot)
            Options: --dry-run (-n), --config (-c) <file>
  run       Resident mode: reconcile on an interval, record denials
            Options: --config (-c) <file>, --interval <dur>, --metrics <addr>
  status    Show the installed table and deny-record totals
  verify    Probe the live ruleset per the policy's verify block

Utility Commands:
  check     Validate a policy file
            Options: --verbose (-v)
  audit     Query recorded denials
            Options: --since <dur>, --direction in|out, --limit <n>, --json
  teardown  Remove the managed table
  lockdown  Install the minimal deny-all table immediately
  version   Print version info

Examples:
  %s apply                          # Apply %s
  %s apply -n policy.hcl            # Show what would be installed
  %s run --metrics 127.0.0.1:9478   # Resident mode with metrics
  %s audit --since 1h --direction out
`,
		brand.Name, brand.Description,
		brand.BinaryName,
		brand.BinaryName, brand.DefaultPolicyPath(),
		brand.BinaryName, brand.BinaryName, brand.BinaryName)
}
