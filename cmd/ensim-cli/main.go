package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tiger/election-night-sim/api/county"
	apireporting "github.com/tiger/election-night-sim/api/reporting"
	"github.com/tiger/election-night-sim/internal/aggregate"
	"github.com/tiger/election-night-sim/internal/observability/telemetry"
	"github.com/tiger/election-night-sim/internal/reconciler"
	"github.com/tiger/election-night-sim/internal/reporting"
	"github.com/tiger/election-night-sim/internal/reporting/source"
	"github.com/tiger/election-night-sim/internal/schedule"
	natstransport "github.com/tiger/election-night-sim/transports/nats"
	wstransport "github.com/tiger/election-night-sim/transports/websocket"
)

// envMetricsTextfile names a file that receives the Prometheus text exposition on exit.
const envMetricsTextfile = "ENSIM_METRICS_TEXTFILE"

const maxEnvelopeLineBytes = 4 << 20

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "ensim-cli: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return nil
	}

	emitter, cleanup, err := setupTelemetry(stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	switch args[0] {
	case "validate-config":
		if len(args) < 2 {
			return fmt.Errorf("validate-config requires <config_uri>")
		}
		return runValidateConfig(ctx, args[1], stdout)
	case "template":
		if len(args) < 2 {
			return fmt.Errorf("template requires <key>")
		}
		baseURI := ""
		if len(args) >= 3 {
			baseURI = args[2]
		}
		return runTemplate(ctx, args[1], baseURI, stdout)
	case "preview":
		if len(args) < 3 {
			return fmt.Errorf("preview requires <config_uri> <counties.json>")
		}
		step := float64(schedule.DefaultStepSeconds)
		if len(args) >= 4 {
			if step, err = strconv.ParseFloat(args[3], 64); err != nil || step <= 0 {
				return fmt.Errorf("step_seconds must be a positive number, got %q", args[3])
			}
		}
		return runPreview(ctx, args[1], args[2], step, stdout)
	case "replay":
		if len(args) < 2 {
			return fmt.Errorf("replay requires <envelopes.jsonl>")
		}
		countiesTotal := 0
		if len(args) >= 3 {
			if countiesTotal, err = strconv.Atoi(args[2]); err != nil || countiesTotal < 0 {
				return fmt.Errorf("counties_total must be an integer >=0, got %q", args[2])
			}
		}
		return runReplay(args[1], countiesTotal, emitter, stdout)
	case "follow":
		if len(args) < 2 {
			return fmt.Errorf("follow requires <ws_url>")
		}
		return runFollow(ctx, args[1], emitter, stdout)
	case "subscribe":
		if len(args) < 3 {
			return fmt.Errorf("subscribe requires <nats_url> <subject>")
		}
		return runSubscribe(ctx, args[1], args[2], emitter, stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unsupported command %q", args[0])
	}
}

func setupTelemetry(stderr io.Writer) (telemetry.Emitter, func(), error) {
	reg := prometheus.NewRegistry()
	pipeline, err := telemetry.NewPipelineFromEnv(stderr, reg)
	if err != nil {
		return nil, nil, fmt.Errorf("telemetry setup failed: %w", err)
	}
	if pipeline == nil {
		return telemetry.Nop(), func() {}, nil
	}
	return pipeline, func() {
		_ = pipeline.Close()
		if path := strings.TrimSpace(os.Getenv(envMetricsTextfile)); path != "" {
			if err := prometheus.WriteToTextfile(path, reg); err != nil {
				fmt.Fprintf(stderr, "ensim-cli: write metrics textfile: %v\n", err)
			}
		}
	}, nil
}

func runValidateConfig(ctx context.Context, uri string, stdout io.Writer) error {
	doc, err := source.Open(ctx, uri)
	if err != nil {
		return err
	}
	if !doc.Validation.Valid() {
		for _, issue := range doc.Validation.Issues {
			_, _ = fmt.Fprintf(stdout, "invalid: %s\n", issue)
		}
		return fmt.Errorf("%s: %d validation issue(s)", uri, len(doc.Validation.Issues))
	}
	_, _ = fmt.Fprintf(stdout, "valid: %s group_rules=%d counties=%d batches=%d digest=%s\n",
		uri, len(doc.Config.GroupRules), len(doc.Config.Counties), len(doc.Config.Batches), doc.Digest)
	return nil
}

func runTemplate(ctx context.Context, key, baseURI string, stdout io.Writer) error {
	known := false
	keys := make([]string, 0, len(reporting.TemplateKeys()))
	for _, k := range reporting.TemplateKeys() {
		keys = append(keys, string(k))
		if string(k) == key {
			known = true
		}
	}
	if !known {
		return fmt.Errorf("unknown template %q (known: %s)", key, strings.Join(keys, ", "))
	}

	base := apireporting.ReportingConfig{}
	if strings.TrimSpace(baseURI) != "" {
		doc, err := loadValid(ctx, baseURI)
		if err != nil {
			return err
		}
		base = doc.Config
	}
	data, err := reporting.Encode(reporting.BuildPattern(reporting.TemplateKey(key), base))
	if err != nil {
		return err
	}
	_, err = stdout.Write(data)
	return err
}

type previewCounty struct {
	FIPS     string               `json:"fips"`
	Name     string               `json:"name,omitempty"`
	Rank     float64              `json:"rank"`
	Source   schedule.Source      `json:"source"`
	Rule     string               `json:"rule,omitempty"`
	Timeline []schedule.Sample    `json:"timeline"`
	Final    schedule.VotePreview `json:"final"`
}

type previewReport struct {
	ConfigURI       string          `json:"configUri"`
	Digest          string          `json:"digest"`
	DurationSeconds float64         `json:"durationSeconds"`
	StepSeconds     float64         `json:"stepSeconds"`
	Counties        []previewCounty `json:"counties"`
}

func runPreview(ctx context.Context, configURI, countiesPath string, step float64, stdout io.Writer) error {
	doc, err := loadValid(ctx, configURI)
	if err != nil {
		return err
	}
	entities, err := loadCounties(countiesPath)
	if err != nil {
		return err
	}

	cfg := doc.Config
	duration := cfg.Duration()
	report := previewReport{ConfigURI: configURI, Digest: doc.Digest, DurationSeconds: duration, StepSeconds: step}
	ranked := schedule.RankForConfig(cfg, entities)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].FIPS < ranked[j].FIPS })
	for _, entity := range ranked {
		res := schedule.Resolve(cfg, entity, duration)
		report.Counties = append(report.Counties, previewCounty{
			FIPS:     entity.FIPS,
			Name:     entity.Name,
			Rank:     entity.Rank,
			Source:   res.Source,
			Rule:     res.Rule,
			Timeline: schedule.Timeline(cfg, entity, step),
			Final:    schedule.PreviewVotes(cfg, entity, duration),
		})
	}
	return writeJSON(stdout, report)
}

func loadValid(ctx context.Context, uri string) (source.Document, error) {
	doc, err := source.Open(ctx, uri)
	if err != nil {
		return source.Document{}, err
	}
	if !doc.Validation.Valid() {
		return source.Document{}, fmt.Errorf("%s is invalid: %s", uri, doc.Validation.Summary())
	}
	return doc, nil
}

func loadCounties(path string) ([]county.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read counties %s: %w", path, err)
	}
	var entities []county.Metadata
	if err := json.Unmarshal(data, &entities); err != nil {
		return nil, fmt.Errorf("decode counties %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(entities))
	for i := range entities {
		if err := entities[i].Validate(); err != nil {
			return nil, fmt.Errorf("counties[%d]: %w", i, err)
		}
		entities[i].FIPS, _ = county.NormalizeFIPS(entities[i].FIPS)
		if _, dup := seen[entities[i].FIPS]; dup {
			return nil, fmt.Errorf("counties[%d]: duplicate fips %s", i, entities[i].FIPS)
		}
		seen[entities[i].FIPS] = struct{}{}
	}
	return entities, nil
}

type sessionReport struct {
	Status    reconciler.Status    `json:"status"`
	Outcomes  map[string]int       `json:"outcomes,omitempty"`
	Aggregate aggregate.Aggregates `json:"aggregate"`
	Counties  []countyLine         `json:"counties"`
	Newsroom  []string             `json:"newsroom,omitempty"`
}

type countyLine struct {
	FIPS             string  `json:"fips"`
	DemVotes         int64   `json:"demVotes"`
	GopVotes         int64   `json:"gopVotes"`
	OtherVotes       int64   `json:"otherVotes"`
	TotalVotes       int64   `json:"totalVotes"`
	ReportingPercent float64 `json:"reportingPercent"`
}

func runReplay(path string, countiesTotal int, emitter telemetry.Emitter, stdout io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open envelopes %s: %w", path, err)
	}
	defer f.Close()

	r := reconciler.New(reconciler.Config{Emitter: emitter})
	outcomes := map[string]int{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEnvelopeLineBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		out := r.ApplyRaw(r.SessionID(), line)
		outcomes[out.Reason]++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read envelopes %s: %w", path, err)
	}

	report := buildSessionReport(r, countiesTotal)
	report.Outcomes = outcomes
	if err := writeJSON(stdout, report); err != nil {
		return err
	}
	if report.Status.Phase == reconciler.PhaseFailed {
		return fmt.Errorf("session %s failed: %s", report.Status.SessionID, report.Status.Fault)
	}
	return nil
}

func runFollow(ctx context.Context, url string, emitter telemetry.Emitter, stdout io.Writer) error {
	r := reconciler.New(reconciler.Config{Emitter: emitter})
	src := wstransport.NewSource(wstransport.Config{URL: url, Emitter: emitter}, r)
	if err := src.Run(ctx); err != nil {
		return err
	}
	return writeJSON(stdout, buildSessionReport(r, 0))
}

func runSubscribe(ctx context.Context, url, subject string, emitter telemetry.Emitter, stdout io.Writer) error {
	conn, err := natstransport.Connect(natstransport.Config{URL: url, Name: "ensim-cli"})
	if err != nil {
		return err
	}
	defer conn.Close()

	r := reconciler.New(reconciler.Config{Emitter: emitter})
	feed := natstransport.NewFeed(subject, r, emitter)
	if err := feed.Start(conn); err != nil {
		return err
	}
	<-ctx.Done()
	if err := feed.Stop(); err != nil {
		return err
	}
	return writeJSON(stdout, buildSessionReport(r, 0))
}

func buildSessionReport(r *reconciler.Reconciler, countiesTotal int) sessionReport {
	status := r.Status()
	if countiesTotal == 0 {
		countiesTotal = status.Metadata.CountiesTotal
	}
	snapshot := r.Snapshot()
	report := sessionReport{
		Status:    status,
		Aggregate: aggregate.Aggregate(snapshot, aggregate.Expected{Counties: countiesTotal}),
		Counties:  make([]countyLine, 0, len(snapshot)),
	}
	for _, c := range snapshot {
		report.Counties = append(report.Counties, countyLine{
			FIPS:             c.FIPS,
			DemVotes:         c.DemVotes,
			GopVotes:         c.GopVotes,
			OtherVotes:       c.OtherVotes,
			TotalVotes:       c.TotalVotes,
			ReportingPercent: c.ReportingPercent,
		})
	}
	for _, item := range r.Newsroom() {
		report.Newsroom = append(report.Newsroom, item.Headline)
	}
	return report
}

func writeJSON(w io.Writer, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "ensim-cli usage:")
	_, _ = fmt.Fprintln(w, "  ensim-cli validate-config <config_uri>")
	_, _ = fmt.Fprintln(w, "  ensim-cli template <key> [base_uri]")
	_, _ = fmt.Fprintln(w, "  ensim-cli preview <config_uri> <counties.json> [step_seconds]")
	_, _ = fmt.Fprintln(w, "  ensim-cli replay <envelopes.jsonl> [counties_total]")
	_, _ = fmt.Fprintln(w, "  ensim-cli follow <ws_url>")
	_, _ = fmt.Fprintln(w, "  ensim-cli subscribe <nats_url> <subject>")
	_, _ = fmt.Fprintln(w, "config_uri is a path, file:// or s3://bucket/key; .yaml/.yml documents are YAML.")
}
