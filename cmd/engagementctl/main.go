// Command engagementctl operates on one engagement from the shell: it imports
// spreadsheets, syncs external providers, runs pipeline stages, uploads
// evidence and prints the engagement status. State is persisted through the
// configured snapshot backend when the command exits.
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
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"engagementcore/internal/analysis"
	"engagementcore/internal/config"
	"engagementcore/internal/connector"
	"engagementcore/internal/core"
	"engagementcore/internal/ingest"
	"engagementcore/internal/pipeline"
	"engagementcore/internal/progress"
	"engagementcore/internal/telemetry"
	"engagementcore/pkg/domain"
)

const usage = `usage: engagementctl [-config file] [-engagement id] <command> [flags]

commands:
  import  -kind employee|project|supply_expense|contract_research <file.csv|file.xlsx>
  sync    -provider name [-kind employee,...]
  run     -stage id
  upload  [-category c] [-content-type t] <file>
  status
  save
`

var exitFunc = os.Exit

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	exitFunc(code)
}

type command func(ctx context.Context, s *core.Session, cfg config.Config, args []string, stdout io.Writer) error

var commands = map[string]command{
	"import": runImport,
	"sync":   runSync,
	"run":    runStage,
	"upload": runUpload,
	"status": runStatus,
	"save":   runSave,
}

func cli(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("engagementctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { _, _ = fmt.Fprint(stderr, usage) }
	configPath := fs.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to YAML config")
	engagement := fs.String("engagement", "", "engagement id (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		_, _ = fmt.Fprintf(stderr, "unknown command %q\n", name)
		fs.Usage()
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *engagement != "" {
		cfg.EngagementID = *engagement
	}
	logger, err := telemetry.NewLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "logger: %v\n", err)
		return 1
	}

	if err := execute(ctx, cfg, logger, cmd, rest, stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 2
		}
		_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	return 0
}

// execute opens the engagement, runs cmd and closes the session, which
// flushes any unsaved change to the backend.
func execute(ctx context.Context, cfg config.Config, logger *slog.Logger, cmd command, args []string, stdout io.Writer) (err error) {
	backend, err := core.OpenSnapshotStore(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if cerr := backend.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close storage: %w", cerr)
		}
	}()
	blobs, err := core.OpenBlobStore(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}

	opts := []core.Option{
		core.WithLogger(logger),
		core.WithMetrics(telemetry.NewMetrics(prometheus.NewRegistry())),
		core.WithBlobStore(blobs),
		core.WithAutosave(cfg.Autosave.Debounce, cfg.Autosave.SaveTimeout),
		core.WithConnector(connector.New(providers(cfg), connector.WithLogger(telemetry.Component(logger, "connector")))),
	}
	if cfg.Analysis.BaseURL != "" {
		opts = append(opts, core.WithAnalysis(analysis.New(cfg.Analysis.BaseURL, cfg.Analysis.Timeout,
			analysis.WithToken(cfg.Analysis.Token),
			analysis.WithLogger(telemetry.Component(logger, "analysis")),
		)))
	}
	s, err := core.Open(ctx, cfg.EngagementID, definition(cfg.Pipeline), backend, opts...)
	if err != nil {
		return err
	}
	defer func() {
		// Close flushes with its own context so an interrupt still saves.
		if cerr := s.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return cmd(ctx, s, cfg, args, stdout)
}

func definition(name string) pipeline.Definition {
	if name == config.PipelineRD {
		return pipeline.RDStudy()
	}
	return pipeline.AuditPlanning()
}

func providers(cfg config.Config) []connector.Provider {
	out := make([]connector.Provider, 0, len(cfg.Providers))
	for _, p := range cfg.Providers {
		out = append(out, connector.Provider{
			Name:              p.Name,
			BaseURL:           p.BaseURL,
			TokenURL:          p.TokenURL,
			Scopes:            p.Scopes,
			RequestsPerSecond: p.RequestsPerSecond,
			Burst:             p.Burst,
		})
	}
	return out
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseKind(value string) (domain.EntityKind, error) {
	kind := domain.EntityKind(strings.TrimSpace(value))
	if !kind.Valid() {
		return "", fmt.Errorf("unknown kind %q", value)
	}
	return kind, nil
}

func runImport(ctx context.Context, s *core.Session, _ config.Config, args []string, stdout io.Writer) error {
	fs := newFlagSet("import")
	kindFlag := fs.String("kind", string(domain.KindEmployee), "entity kind in the file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one spreadsheet path")
	}
	kind, err := parseKind(*kindFlag)
	if err != nil {
		return err
	}
	path := fs.Arg(0)
	data, err := os.ReadFile(path) // #nosec G304: operator-supplied input file
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	report, err := s.ImportSpreadsheet(ctx, kind, filepath.Base(path), data)
	if err != nil {
		return err
	}
	return writeJSON(stdout, report)
}

func runSync(ctx context.Context, s *core.Session, cfg config.Config, args []string, stdout io.Writer) error {
	fs := newFlagSet("sync")
	name := fs.String("provider", "", "provider name from config")
	kindList := fs.String("kind", string(domain.KindEmployee), "comma-separated kinds to pull")
	if err := fs.Parse(args); err != nil {
		return err
	}
	p, ok := cfg.Provider(*name)
	if !ok {
		return fmt.Errorf("provider %q is not configured", *name)
	}
	var kinds []domain.EntityKind
	for _, part := range strings.Split(*kindList, ",") {
		kind, err := parseKind(part)
		if err != nil {
			return err
		}
		kinds = append(kinds, kind)
	}
	conn, err := s.Connect(ctx, p.Name, connector.Credentials{ClientID: p.ClientID, ClientSecret: p.ClientSecret})
	if err != nil {
		return err
	}
	reports, err := s.Sync(ctx, conn.ID, kinds...)
	if err != nil {
		return err
	}
	conn, _ = s.Connection(conn.ID)
	return writeJSON(stdout, struct {
		Connection domain.ExternalConnection `json:"connection"`
		Reports    []ingest.Report           `json:"reports"`
	}{conn, reports})
}

func runStage(ctx context.Context, s *core.Session, _ config.Config, args []string, stdout io.Writer) error {
	fs := newFlagSet("run")
	stage := fs.String("stage", "", "stage id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *stage == "" {
		return errors.New("-stage is required")
	}
	artifacts, err := s.RunStage(ctx, domain.StageID(*stage))
	if err != nil {
		return err
	}
	return writeJSON(stdout, artifacts)
}

func runUpload(ctx context.Context, s *core.Session, _ config.Config, args []string, stdout io.Writer) error {
	fs := newFlagSet("upload")
	category := fs.String("category", "", "document category")
	contentType := fs.String("content-type", "", "MIME type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("expected one document path")
	}
	path := fs.Arg(0)
	f, err := os.Open(path) // #nosec G304: operator-supplied input file
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	doc, err := s.UploadDocument(ctx, filepath.Base(path), *contentType, *category, f)
	if err != nil {
		return err
	}
	return writeJSON(stdout, doc)
}

type status struct {
	Engagement  string                      `json:"engagement"`
	Progress    progress.Report             `json:"progress"`
	Counts      map[domain.EntityKind]int   `json:"counts"`
	Stages      []stageStatus               `json:"stages"`
	Connections []domain.ExternalConnection `json:"connections,omitempty"`
}

type stageStatus struct {
	Stage        domain.StageID    `json:"stage"`
	State        domain.StageState `json:"state"`
	Stale        bool              `json:"stale,omitempty"`
	LastError    string            `json:"last_error,omitempty"`
	PendingAreas []string          `json:"pending_areas,omitempty"`
	Artifacts    int               `json:"artifacts"`
}

func runStatus(_ context.Context, s *core.Session, _ config.Config, _ []string, stdout io.Writer) error {
	out := status{
		Engagement:  s.ID(),
		Progress:    s.Progress(),
		Counts:      make(map[domain.EntityKind]int),
		Connections: s.Connections(),
	}
	for _, kind := range domain.Kinds() {
		out.Counts[kind] = len(s.List(kind))
	}
	for _, st := range s.Stages() {
		out.Stages = append(out.Stages, stageStatus{
			Stage:        st.Stage,
			State:        st.State,
			Stale:        st.Stale,
			LastError:    st.LastError,
			PendingAreas: st.PendingAreas,
			Artifacts:    len(st.Artifacts),
		})
	}
	return writeJSON(stdout, out)
}

func runSave(ctx context.Context, s *core.Session, _ config.Config, _ []string, stdout io.Writer) error {
	if err := s.Save(ctx); err != nil {
		return err
	}
	_, err := fmt.Fprintf(stdout, "saved engagement %s\n", s.ID())
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
