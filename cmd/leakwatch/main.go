package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"leakwatch/internal/config"
	"leakwatch/internal/result"
)

const usage = `leakwatch - public address leak check and visit log client

Usage:
  leakwatch check [--config <path>] [--manual <ip>] [--resolution server|client] [--no-leak-policy error|secure]
  leakwatch probe [--config <path>] [--session webrtc|stun] [--timeout 15s] [--nat]
  leakwatch locate [--config <path>] [--ip <addr>]
  leakwatch stats [--config <path>]
  leakwatch recent [--config <path>] [--count 10]
  leakwatch visits [--config <path>] [--page 1] [--size 10]
  leakwatch countries [--config <path>]
  leakwatch map [--config <path>] [--lat <lat> --lon <lon>] [--zoom 2] [--width 600] [--height 400]
  leakwatch health [--config <path>]
  leakwatch ip-info [--config <path>] --ip <addr>
  leakwatch clear [--config <path>] --yes
  leakwatch export csv [--config <path>] --out <file>
  leakwatch summary --in <file> [--window 24h]
  leakwatch watch [--config <path>] [--metrics-listen :9464] [--export <file>] [--state <file>]
  leakwatch dev-backend [--config <path>] [--listen 127.0.0.1:4943] [--capacity 1000] [--resolve]
  leakwatch config init --out <path>

Backend flags (all commands talking to the visit log):
  --backend <url>  --local  --log-level <level>  --log-format console|json
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "check":
		handleCheck(args)
	case "probe":
		handleProbe(args)
	case "locate":
		handleLocate(args)
	case "stats":
		handleStats(args)
	case "recent":
		handleRecent(args)
	case "visits":
		handleVisits(args)
	case "countries":
		handleCountries(args)
	case "map":
		handleMap(args)
	case "health":
		handleHealth(args)
	case "ip-info":
		handleIPInfo(args)
	case "clear":
		handleClear(args)
	case "export":
		handleExport(args)
	case "summary":
		handleSummary(args)
	case "watch":
		handleWatch(args)
	case "dev-backend":
		handleDevBackend(args)
	case "config":
		handleConfig(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// commonOpts are the flags every component-building command accepts.
type commonOpts struct {
	configPath string
	backendURL string
	local      bool
	logLevel   string
	logFormat  string
}

func addCommonFlags(fs *flag.FlagSet) *commonOpts {
	o := &commonOpts{}
	fs.StringVar(&o.configPath, "config", "", "path to YAML config")
	fs.StringVar(&o.backendURL, "backend", "", "visit log base URL")
	fs.BoolVar(&o.local, "local", false, "backend is a local replica (fetch its root key first)")
	fs.StringVar(&o.logLevel, "log-level", "", "log level")
	fs.StringVar(&o.logFormat, "log-format", "", "log format (console or json)")
	return o
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideCommon(cfg *config.Config, o *commonOpts) {
	if o.backendURL != "" {
		cfg.Backend.URL = normalizeBaseURL(o.backendURL)
	}
	if o.local {
		cfg.Backend.Local = true
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	if e, ok := result.As(err); ok && e.Remedy != "" {
		fmt.Fprintln(os.Stderr, "hint:", e.Remedy)
	}
	os.Exit(1)
}
