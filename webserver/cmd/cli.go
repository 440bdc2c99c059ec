package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/mordilloSan/truenas-passwd/common/config"
	"github.com/mordilloSan/truenas-passwd/common/version"
	"github.com/mordilloSan/truenas-passwd/webserver/appliance"
	"github.com/mordilloSan/truenas-passwd/webserver/metrics"
)

// Exit codes.
const (
	exitOK          = 0
	exitFailed      = 1
	exitUsage       = 2
	exitInterrupted = 130
)

// ServerConfig is the minimal runtime config passed to the server.
type ServerConfig struct {
	Port       int // 0 keeps the configured port
	Verbose    bool
	ConfigFile string
	EnvFile    string
}

// --- test seams (override in tests) ---
var (
	runServerFunc = RunServer
	promptSecret  = func(label string) (string, error) {
		p := promptui.Prompt{Label: label, Mask: '*'}
		return p.Run()
	}
	newService = func(s *config.Settings) appliance.Service {
		return newApplianceService(s, metrics.NewNoopMetrics())
	}
)

// StartTrueNASPasswd is the CLI entrypoint (called from main.go).
func StartTrueNASPasswd() {
	if code := dispatch(os.Args[1:], os.Stdout, os.Stderr); code != exitOK {
		os.Exit(code)
	}
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printGeneralUsage(stderr)
		return exitOK
	}

	switch args[0] {
	case "-h", "--help", "help":
		printGeneralUsage(stderr)
		return exitOK
	case "run":
		return runCommand(args[1:], stderr)
	case "verify":
		return verifyCommand(args[1:], stdout, stderr)
	case "passwd":
		return passwdCommand(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version.Get().WithChecksum().String())
		return exitOK
	default:
		// Unknown subcommand → help
		fmt.Fprintf(stderr, "unknown command: %q\n\n", args[0])
		printGeneralUsage(stderr)
		return exitUsage
	}
}

// sourceFlags are shared by every command that reads settings.
type sourceFlags struct {
	configFile string
	envFile    string
	verbose    bool
}

func (s *sourceFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&s.configFile, "config", "", "settings file (.yaml, .yml, .ini or .conf)")
	fs.StringVar(&s.envFile, "env-file", "", "dotenv file (default ./.env when present)")
	fs.BoolVar(&s.verbose, "verbose", false, "enable verbose logging (default false)")
}

func newFlagSet(name, usage string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "TrueNAS password service %s\n", version.Version)
		fmt.Fprintln(stderr, "\nUsage:")
		fmt.Fprintf(stderr, "  %s\n", usage)
		fmt.Fprintln(stderr, "\nFlags:")
		fs.PrintDefaults()
	}
	return fs
}

// parseFlags returns done=true when the command should stop with code.
func parseFlags(fs *flag.FlagSet, args []string) (code int, done bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK, true
		}
		return exitUsage, true
	}
	return exitOK, false
}

func runCommand(args []string, stderr io.Writer) int {
	fs := newFlagSet("run", "truenas-passwd run [flags]", stderr)

	var src sourceFlags
	var cfg ServerConfig
	fs.IntVar(&cfg.Port, "port", 0, fmt.Sprintf("HTTP server port (1-65535, default from settings or %d)", config.DefaultServerPort))
	src.register(fs)

	if code, done := parseFlags(fs, args); done {
		return code
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		fmt.Fprintln(stderr, "invalid -port: must be between 1 and 65535")
		return exitUsage
	}
	cfg.Verbose = src.verbose
	cfg.ConfigFile = src.configFile
	cfg.EnvFile = src.envFile

	runServerFunc(cfg)
	return exitOK
}

func verifyCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("verify", "truenas-passwd verify -user NAME [flags]", stderr)

	var src sourceFlags
	user := fs.String("user", "", "account to check (required)")
	askOTP := fs.Bool("otp", false, "prompt for a two-factor code")
	src.register(fs)

	if code, done := parseFlags(fs, args); done {
		return code
	}
	username := strings.TrimSpace(*user)
	if username == "" {
		fmt.Fprintln(stderr, "verify: -user is required")
		return exitUsage
	}

	settings, err := prepare(src)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return exitUsage
	}

	creds := appliance.Credentials{Username: username}
	if creds.Password, err = promptSecret("Password"); err != nil {
		return promptFailed(stderr, err)
	}
	if *askOTP {
		if creds.OTP, err = promptSecret("Two-factor code"); err != nil {
			return promptFailed(stderr, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(settings))
	defer cancel()

	if err := appliance.VerifyPassword(ctx, newService(settings), creds); err != nil {
		fmt.Fprintf(stderr, "verify: %s\n", describe(err))
		return exitFailed
	}
	fmt.Fprintf(stdout, "password verified for %s\n", username)
	return exitOK
}

func passwdCommand(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("passwd", "truenas-passwd passwd -user NAME [flags]", stderr)

	var src sourceFlags
	user := fs.String("user", "", "account whose password changes (required)")
	askOTP := fs.Bool("otp", false, "prompt for a two-factor code")
	src.register(fs)

	if code, done := parseFlags(fs, args); done {
		return code
	}
	username := strings.TrimSpace(*user)
	if username == "" {
		fmt.Fprintln(stderr, "passwd: -user is required")
		return exitUsage
	}

	settings, err := prepare(src)
	if err != nil {
		fmt.Fprintf(stderr, "passwd: %v\n", err)
		return exitUsage
	}

	creds := appliance.Credentials{Username: username}
	var next, confirm string
	for _, p := range []struct {
		label string
		dst   *string
	}{
		{"Current password", &creds.Password},
		{"New password", &next},
		{"Confirm new password", &confirm},
	} {
		if *p.dst, err = promptSecret(p.label); err != nil {
			return promptFailed(stderr, err)
		}
	}
	if *askOTP {
		if creds.OTP, err = promptSecret("Two-factor code"); err != nil {
			return promptFailed(stderr, err)
		}
	}

	switch {
	case creds.Password == "" || next == "":
		fmt.Fprintln(stderr, "passwd: passwords must not be empty")
		return exitFailed
	case next != confirm:
		fmt.Fprintln(stderr, "passwd: new passwords do not match")
		return exitFailed
	case next == creds.Password:
		fmt.Fprintln(stderr, "passwd: new password must differ from the current password")
		return exitFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(settings))
	defer cancel()

	if err := appliance.ChangePassword(ctx, newService(settings), creds, next); err != nil {
		fmt.Fprintf(stderr, "passwd: %s\n", describe(err))
		return exitFailed
	}
	fmt.Fprintf(stdout, "password changed for %s\n", username)
	return exitOK
}

func prepare(src sourceFlags) (*config.Settings, error) {
	initLogger(src.verbose, false)
	return loadSettings(src.configFile, src.envFile)
}

func promptFailed(stderr io.Writer, err error) int {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		fmt.Fprintln(stderr, "aborted")
		return exitInterrupted
	}
	fmt.Fprintf(stderr, "prompt: %v\n", err)
	return exitFailed
}

// describe renders an appliance error for a terminal user.
func describe(err error) string {
	var (
		rejected *appliance.AuthRejected
		applErr  *appliance.ApplianceError
	)
	switch {
	case errors.As(err, &rejected):
		return rejected.Error()
	case errors.Is(err, appliance.ErrNotFound):
		return (&appliance.AuthRejected{Reason: appliance.RejectInvalidCredentials}).Error()
	case errors.Is(err, appliance.ErrServiceCredentialRequired):
		return fmt.Sprintf("password changes need a service API key (%s)", config.EnvAPIKey)
	case errors.As(err, &applErr):
		return applErr.Display()
	case appliance.IsUnreachable(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("could not reach appliance: %v", err)
	}
	return err.Error()
}

func printGeneralUsage(w io.Writer) {
	fmt.Fprintf(w, `TrueNAS password service %s

Usage:
  truenas-passwd <command> [flags]

Commands:
  run         Run the HTTP server
  verify      Check a password against the appliance
  passwd      Change a password on the appliance
  version     Show build information
  help        Show this help

Examples:
  truenas-passwd run
  truenas-passwd run -port 8090 -config /etc/truenas-passwd.yaml
  truenas-passwd verify -user alice
  truenas-passwd passwd -user alice -otp

Use "truenas-passwd <command> -h" for more info about a command.
`, version.Version)
}
