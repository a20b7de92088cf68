package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/api/grpc"
	"github.com/kubilitics/kubilitics-explain/internal/attribution"
	"github.com/kubilitics/kubilitics-explain/internal/config"
	"github.com/kubilitics/kubilitics-explain/internal/ingest"
	"github.com/kubilitics/kubilitics-explain/internal/logging"
	"github.com/kubilitics/kubilitics-explain/internal/models"
	"github.com/kubilitics/kubilitics-explain/internal/normalizer"
	"github.com/kubilitics/kubilitics-explain/internal/pipeline"
	"github.com/kubilitics/kubilitics-explain/internal/render"
	"github.com/kubilitics/kubilitics-explain/internal/resolver"
	"github.com/kubilitics/kubilitics-explain/internal/synthesis"
)

type app struct {
	logPath string
	verbose bool
	timeout time.Duration
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
}

type explainOptions struct {
	configPath     string
	cfg            *config.Config
	eventID        string
	intent         string
	format         string
	contextPath    string
	server         string
	topK           int
	useCaseContext string
	style          string
	width          int
}

func newRootCommand(in io.Reader, out, errOut io.Writer) *cobra.Command {
	a := &app{stdin: in, stdout: out, stderr: errOut}

	cmd := &cobra.Command{
		Use:           "explainctl",
		Short:         "Explain adaptation decisions from an adaptation log",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(in)
	cmd.SetOut(out)
	cmd.SetErr(errOut)

	cmd.PersistentFlags().StringVar(&a.logPath, "log", "", `adaptation log (JSON lines); "-" reads stdin`)
	cmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log pipeline activity to stderr")
	cmd.PersistentFlags().DurationVar(&a.timeout, "timeout", 30*time.Second, "overall timeout")

	cmd.AddCommand(newExplainCmd(a), newEventsCmd(a))
	return cmd
}

func newExplainCmd(a *app) *cobra.Command {
	o := &explainOptions{}
	cmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain every event in the log, or only the selected ones",
		Example: `  explainctl explain --log adaptations.jsonl --context context.yaml
  explainctl explain --log adaptations.jsonl --event E42 --format markdown
  explainctl explain --log adaptations.jsonl --config /etc/kubilitics/explain.yaml
  explainctl explain --log adaptations.jsonl --intent low-latency --server localhost:50052`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.loadConfig(cmd); err != nil {
				return err
			}
			return a.runExplain(cmd.Context(), o)
		},
	}
	cmd.Flags().StringVar(&o.configPath, "config", "", "server configuration file; supplies engine weights, top_k, context.static and narrative settings")
	cmd.Flags().StringVar(&o.eventID, "event", "", "explain only this event id")
	cmd.Flags().StringVar(&o.intent, "intent", "", "explain only events serving this intent")
	cmd.Flags().StringVarP(&o.format, "format", "o", "terminal", "output format: text, markdown, json, terminal")
	cmd.Flags().StringVar(&o.contextPath, "context", "", "YAML file of context factor values")
	cmd.Flags().StringVar(&o.server, "server", "", "explain through a running server's gRPC API (host:port)")
	cmd.Flags().IntVar(&o.topK, "top-k", synthesis.DefaultTopK, "factors described in the narrative")
	cmd.Flags().StringVar(&o.useCaseContext, "use-case-context", "", "header printed above each explanation")
	cmd.Flags().StringVar(&o.style, "style", "auto", "glamour style for terminal output")
	cmd.Flags().IntVar(&o.width, "width", 100, "word wrap width for terminal output")
	return cmd
}

// loadConfig reads the server configuration named by --config so offline
// explanations attribute with the same weight table as the server. Flags set
// on the command line take precedence over the file.
func (o *explainOptions) loadConfig(cmd *cobra.Command) error {
	if o.configPath == "" {
		return nil
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := os.Stat(o.configPath); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	mgr, err := config.NewConfigManager(o.configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return err
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)
	o.cfg = cfg

	flags := cmd.Flags()
	if !flags.Changed("top-k") {
		o.topK = cfg.Engine.TopK
	}
	if !flags.Changed("use-case-context") {
		o.useCaseContext = cfg.Narrative.UseCaseContext
	}
	return nil
}

func newEventsCmd(a *app) *cobra.Command {
	var intent string
	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the events recorded in the log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runEvents(cmd.Context(), intent)
		},
	}
	cmd.Flags().StringVar(&intent, "intent", "", "list only events serving this intent")
	return cmd
}

func (a *app) logger() *zap.Logger {
	if !a.verbose {
		return zap.NewNop()
	}
	lg, err := logging.New(logging.Options{Level: "debug", Format: "text"})
	if err != nil {
		return zap.NewNop()
	}
	return lg.Logger
}

func (a *app) openLog() (io.ReadCloser, error) {
	switch a.logPath {
	case "":
		return nil, errors.New("--log is required")
	case "-":
		return io.NopCloser(a.stdin), nil
	}
	f, err := os.Open(a.logPath)
	if err != nil {
		return nil, fmt.Errorf("open adaptation log: %w", err)
	}
	return f, nil
}

// selected is one log record chosen for explanation.
type selected struct {
	raw   map[string]interface{}
	event *models.AdaptationEvent
}

// readEvents normalizes every record in the log and keeps those matching
// eventID and intent. Records that fail to normalize are reported on stderr
// and counted.
func (a *app) readEvents(ctx context.Context, eventID, intent string, logger *zap.Logger) ([]selected, int, error) {
	rc, err := a.openLog()
	if err != nil {
		return nil, 0, err
	}
	defer rc.Close()

	var out []selected
	malformed := 0
	_, err = ingest.ReadLog(ctx, rc, logger, func(rec ingest.Record) error {
		ev, err := normalizer.Normalize(rec.Raw)
		if err != nil {
			malformed++
			fmt.Fprintf(a.stderr, "line %d: %v\n", rec.Line, err)
			return nil
		}
		if eventID != "" && ev.ID != eventID {
			return nil
		}
		if intent != "" && ev.Intent != intent {
			return nil
		}
		out = append(out, selected{raw: rec.Raw, event: ev})
		return nil
	})
	if err != nil {
		return nil, malformed, err
	}
	return out, malformed, nil
}

func (a *app) runExplain(ctx context.Context, o *explainOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	format, err := render.ParseFormat(o.format)
	if err != nil {
		return err
	}
	logger := a.logger()
	defer logger.Sync()

	events, _, err := a.readEvents(ctx, o.eventID, o.intent, logger)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		switch {
		case o.eventID != "":
			return fmt.Errorf("event %s not found in %s", o.eventID, a.logPath)
		case o.intent != "":
			return fmt.Errorf("no events for intent %s in %s", o.intent, a.logPath)
		}
		return fmt.Errorf("no events in %s", a.logPath)
	}

	explain, closeFn, err := a.explainer(o, format, logger)
	if err != nil {
		return err
	}
	defer closeFn()

	failed := 0
	for i, sel := range events {
		out, err := explain(ctx, sel)
		if err != nil {
			failed++
			fmt.Fprintf(a.stderr, "event %s: %v\n", sel.event.ID, err)
			continue
		}
		if i > 0 && format != render.FormatJSON {
			fmt.Fprintln(a.stdout)
		}
		fmt.Fprint(a.stdout, out)
		if !strings.HasSuffix(out, "\n") {
			fmt.Fprintln(a.stdout)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d events could not be explained", failed, len(events))
	}
	return nil
}

type explainFunc func(ctx context.Context, sel selected) (string, error)

// explainer returns the offline pipeline, or a gRPC client when --server is
// set.
func (a *app) explainer(o *explainOptions, format render.Format, logger *zap.Logger) (explainFunc, func(), error) {
	if o.server != "" {
		client, err := grpc.Dial(o.server)
		if err != nil {
			return nil, nil, err
		}
		renderer := render.New(render.Options{UseCaseContext: o.useCaseContext, Style: o.style, WordWrap: o.width})
		fn := func(ctx context.Context, sel selected) (string, error) {
			remoteFormat := format
			if format == render.FormatTerminal {
				remoteFormat = render.FormatMarkdown
			}
			rec, rendered, err := client.Explain(ctx, sel.raw, string(remoteFormat))
			if err != nil {
				return "", err
			}
			switch format {
			case render.FormatJSON:
				b, err := jsonLine(rec)
				return string(b), err
			case render.FormatTerminal:
				return renderer.TerminalMarkdown(rendered)
			}
			return rendered, nil
		}
		return fn, func() { _ = client.Close() }, nil
	}

	var src resolver.FactorSource
	model := attribution.NewLinearModel(nil, 1.0)
	if cfg := o.cfg; cfg != nil {
		model = attribution.NewLinearModel(cfg.Engine.Weights, cfg.Engine.DefaultWeight)
		if len(cfg.Context.Static) > 0 {
			src = resolver.NewStaticSource(cfg.Context.Static)
		}
	}
	if o.contextPath != "" {
		static, err := resolver.LoadStaticYAML(o.contextPath)
		if err != nil {
			return nil, nil, err
		}
		src = static
	}
	engine, err := pipeline.New(pipeline.Deps{
		Resolver:    resolver.New(src, resolver.Options{Logger: logger}),
		Attributor:  attribution.NewEngine(model, logger),
		Synthesizer: synthesis.New(synthesis.Options{TopK: o.topK, Logger: logger}),
		Logger:      logger,
	})
	if err != nil {
		return nil, nil, err
	}
	renderer := render.New(render.Options{UseCaseContext: o.useCaseContext, Style: o.style, WordWrap: o.width})
	fn := func(ctx context.Context, sel selected) (string, error) {
		sel.event.Source = "cli"
		exp, err := engine.ExplainEvent(ctx, sel.event)
		if err != nil {
			return "", err
		}
		b, err := renderer.Render(exp, format)
		return string(b), err
	}
	return fn, func() {}, nil
}

func jsonLine(rec interface{}) ([]byte, error) {
	return json.MarshalIndent(rec, "", "  ")
}

func (a *app) runEvents(ctx context.Context, intent string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	events, malformed, err := a.readEvents(ctx, "", intent, a.logger())
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(a.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EVENT\tTIMESTAMP\tINTENT\tCHOSEN\tOPTIONS")
	for _, sel := range events {
		ev := sel.event
		in := ev.Intent
		if in == "" {
			in = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", ev.ID, ev.Timestamp.UTC().Format(time.RFC3339), in, ev.ChosenOptionID, len(ev.Options))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if malformed > 0 {
		fmt.Fprintf(a.stderr, "%d malformed records skipped\n", malformed)
	}
	return nil
}
