package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

type target struct {
	Method   string `json:"method"`
	Path     string `json:"path"`
	Admin    bool   `json:"admin"`
	Critical bool   `json:"critical"`
}

type targetsFile struct {
	Targets []target `json:"targets"`
}

// defaultTargets covers the read-only API. Both deployments must be seeded
// with the same roster and log for bodies to match.
var defaultTargets = []target{
	{Method: http.MethodGet, Path: "/api/v1/students", Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/attendance/today", Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/attendance/board", Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/attendance/history", Admin: true, Critical: true},
	{Method: http.MethodGet, Path: "/api/v1/attendance/export", Admin: true, Critical: true},
	{Method: http.MethodGet, Path: "/ready"},
}

// volatileMeta lists envelope meta keys that differ between any two requests.
var volatileMeta = []string{"processing_time_ms"}

type comparison struct {
	Target            target
	PrimaryStatus     int
	CandidateStatus   int
	StatusMatch       bool
	BodyMatch         bool
	Error             error
	PrimaryDuration   time.Duration
	CandidateDuration time.Duration
}

func (c comparison) outcome() string {
	switch {
	case c.Error != nil:
		return "ERROR"
	case !c.StatusMatch || !c.BodyMatch:
		return "DIFF"
	default:
		return "OK"
	}
}

type parityChecker struct {
	client    *http.Client
	primary   string
	candidate string
	pin       string
}

func loadTargets(path string) ([]target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg targetsFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined in %s", path)
	}
	return cfg.Targets, nil
}

func (p *parityChecker) run(targets []target) []comparison {
	results := make([]comparison, 0, len(targets))
	for _, t := range targets {
		results = append(results, p.compare(t))
	}
	return results
}

func (p *parityChecker) compare(tgt target) comparison {
	comp := comparison{Target: tgt}
	primaryBody, primaryStatus, primaryDur, err := p.fetch(p.primary, tgt)
	if err != nil {
		comp.Error = fmt.Errorf("primary request failed: %w", err)
		return comp
	}
	candidateBody, candidateStatus, candidateDur, err := p.fetch(p.candidate, tgt)
	if err != nil {
		comp.Error = fmt.Errorf("candidate request failed: %w", err)
		return comp
	}

	comp.PrimaryStatus, comp.CandidateStatus = primaryStatus, candidateStatus
	comp.PrimaryDuration, comp.CandidateDuration = primaryDur, candidateDur
	comp.StatusMatch = primaryStatus == candidateStatus
	comp.BodyMatch = bodiesEqual(primaryBody, candidateBody)
	return comp
}

func (p *parityChecker) fetch(base string, tgt target) ([]byte, int, time.Duration, error) {
	if p.client == nil {
		return nil, 0, 0, errors.New("nil client")
	}
	method := strings.ToUpper(strings.TrimSpace(tgt.Method))
	if method == "" {
		method = http.MethodGet
	}
	path := tgt.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	req, err := http.NewRequest(method, strings.TrimRight(base, "/")+path, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	if tgt.Admin && p.pin != "" {
		req.Header.Set("X-Admin-Pin", p.pin)
	}
	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read body: %w", err)
	}
	return body, resp.StatusCode, time.Since(start), nil
}

func bodiesEqual(a, b []byte) bool {
	if bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b)) {
		return true
	}

	var aj, bj interface{}
	if err := json.Unmarshal(a, &aj); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bj); err != nil {
		return false
	}
	stripVolatile(aj)
	stripVolatile(bj)
	return reflect.DeepEqual(aj, bj)
}

func stripVolatile(v interface{}) {
	envelope, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	meta, ok := envelope["meta"].(map[string]interface{})
	if !ok {
		return
	}
	for _, key := range volatileMeta {
		delete(meta, key)
	}
	if len(meta) == 0 {
		delete(envelope, "meta")
	}
}

func tally(results []comparison) (breaking, optional int) {
	for _, res := range results {
		if res.outcome() == "OK" {
			continue
		}
		if res.Target.Critical {
			breaking++
		} else if res.Error == nil {
			optional++
		}
	}
	return breaking, optional
}

func renderReport(results []comparison) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Backend Parity Report")
	tw.AppendHeader(table.Row{"Result", "Method", "Path", "Primary", "Candidate", "Critical", "Detail"})
	for _, res := range results {
		detail := ""
		if res.Error != nil {
			detail = res.Error.Error()
		} else if !res.BodyMatch {
			detail = "body differs"
		}
		tw.AppendRow(table.Row{
			res.outcome(),
			res.Target.Method,
			res.Target.Path,
			fmt.Sprintf("%d (%s)", res.PrimaryStatus, res.PrimaryDuration.Round(time.Millisecond)),
			fmt.Sprintf("%d (%s)", res.CandidateStatus, res.CandidateDuration.Round(time.Millisecond)),
			res.Target.Critical,
			detail,
		})
	}
	return tw.Render() + "\n"
}
