package system

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/vinayprograms/agentbus/agent"
	"github.com/vinayprograms/agentbus/errors"
	"github.com/vinayprograms/agentbus/message"
	"github.com/vinayprograms/agentbus/pipeline"
	"github.com/vinayprograms/agentbus/registry"
)

// Demo agents and the workflow that chains them.
const (
	DemoWorkflow  = "analytics"
	DemoCollector = "collector"
	DemoAnalyzer  = "analyzer"
	DemoReporter  = "reporter"

	RequestCollect = "collect_data"
	RequestAnalyze = "analyze_data"
	RequestReport  = "generate_report"

	// ParamValues overrides the collector's built-in series.
	ParamValues = "values"
)

var demoSeries = []float64{12, 15, 11, 19, 23, 18, 27}

// DemoPipeline returns the analytics workflow: collect, analyze, report.
func DemoPipeline() pipeline.Workflow {
	return pipeline.Workflow{
		Name: DemoWorkflow,
		Steps: []pipeline.Step{
			{Name: "collect", Agent: DemoCollector, RequestType: RequestCollect},
			{Name: "analyze", Agent: DemoAnalyzer, RequestType: RequestAnalyze},
			{Name: "report", Agent: DemoReporter, RequestType: RequestReport},
		},
	}
}

// InstallDemo registers the three demo specialists and the analytics
// workflow. The analyzer runs in the mode configured by agent.mode, or
// normal when unset.
func (s *System) InstallDemo(ctx context.Context) error {
	if err := s.Orchestrator.RegisterWorkflow(DemoPipeline()); err != nil {
		return err
	}

	collector, err := s.newSpecialist(DemoCollector, nil)
	if err != nil {
		return err
	}
	collector.HandleRequest(RequestCollect, collect)

	analyzer, err := s.newSpecialist(DemoAnalyzer, ForcedMode(agent.Mode(s.Config.Agent.Mode)))
	if err != nil {
		return err
	}
	analyzer.HandleRequest(RequestAnalyze, agent.Ladder(analyzeFull, analyzeBasic, analyzeCount))

	reporter, err := s.newSpecialist(DemoReporter, nil)
	if err != nil {
		return err
	}
	reporter.HandleRequest(RequestReport, report)

	records := []registry.AgentRecord{
		{ID: DemoCollector, DisplayName: "Data collector", Capabilities: []string{RequestCollect}, Handle: collector},
		{ID: DemoAnalyzer, DisplayName: "Trend analyzer", Capabilities: []string{RequestAnalyze}, Handle: analyzer},
		{ID: DemoReporter, DisplayName: "Report writer", Capabilities: []string{RequestReport}, Handle: reporter},
	}
	for _, rec := range records {
		rec.Category = registry.CategoryAnalytics
		rec.Kind = registry.KindReal
		if err := s.Register(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (s *System) newSpecialist(id string, probes []agent.Probe) (*agent.Runtime, error) {
	cfg := s.AgentConfig(id)
	cfg.Probes = probes
	return agent.New(cfg)
}

// ForcedMode returns probes that make SelectMode pick mode. Normal and
// unknown modes need no probes.
func ForcedMode(mode agent.Mode) []agent.Probe {
	unavailable := func(context.Context) error {
		return errors.New(errors.ErrCodeUnavailable, "disabled by configuration")
	}
	switch mode {
	case agent.ModeFallback:
		return []agent.Probe{{Name: "model-store", Check: unavailable}}
	case agent.ModeMinimal:
		return []agent.Probe{{Name: "feature-store", Essential: true, Check: unavailable}}
	}
	return nil
}

func collect(ctx context.Context, msg *message.Message) (message.Payload, error) {
	data, _ := msg.Payload().Params()[pipeline.KeyData].(map[string]any)
	values := demoSeries
	if raw, ok := data[ParamValues]; ok {
		v, err := toFloats(raw)
		if err != nil {
			return nil, err
		}
		values = v
	}
	if len(values) == 0 {
		return nil, errors.InvalidInput("no values to collect")
	}
	return message.Payload{"records": values}, nil
}

func analyzeFull(ctx context.Context, msg *message.Message) (message.Payload, error) {
	values, err := records(msg)
	if err != nil {
		return nil, err
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mean := average(values)
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return message.Payload{
		"mode": string(agent.ModeNormal),
		"analysis": map[string]any{
			"count":  len(values),
			"mean":   mean,
			"min":    sorted[0],
			"max":    sorted[len(sorted)-1],
			"median": sorted[len(sorted)/2],
			"stddev": math.Sqrt(sq / float64(len(values))),
			"trend":  trend(values),
		},
	}, nil
}

func analyzeBasic(ctx context.Context, msg *message.Message) (message.Payload, error) {
	values, err := records(msg)
	if err != nil {
		return nil, err
	}
	return message.Payload{
		"mode": string(agent.ModeFallback),
		"analysis": map[string]any{
			"count": len(values),
			"mean":  average(values),
			"trend": trend(values),
		},
	}, nil
}

func analyzeCount(ctx context.Context, msg *message.Message) (message.Payload, error) {
	values, err := records(msg)
	if err != nil {
		return nil, err
	}
	return message.Payload{
		"mode":     string(agent.ModeMinimal),
		"analysis": map[string]any{"count": len(values)},
	}, nil
}

func report(ctx context.Context, msg *message.Message) (message.Payload, error) {
	data, _ := msg.Payload().Params()[pipeline.KeyData].(map[string]any)
	analysis, _ := data["analysis"].(map[string]any)
	if analysis == nil {
		return nil, errors.InvalidInput("nothing to report")
	}
	mode, _ := data["mode"].(string)
	summary := fmt.Sprintf("%v records", analysis["count"])
	if mean, ok := analysis["mean"].(float64); ok {
		summary += fmt.Sprintf(", mean %.2f", mean)
	}
	if t, ok := analysis["trend"].(string); ok {
		summary += ", trend " + t
	}
	if mode != "" && mode != string(agent.ModeNormal) {
		summary += " (" + mode + " analysis)"
	}
	return message.Payload{"report": summary}, nil
}

func records(msg *message.Message) ([]float64, error) {
	data, _ := msg.Payload().Params()[pipeline.KeyData].(map[string]any)
	values, err := toFloats(data["records"])
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, errors.InvalidInput("no records to analyze")
	}
	return values, nil
}

// toFloats accepts the shapes a series takes in process and after a JSON
// round trip.
func toFloats(v any) ([]float64, error) {
	switch vs := v.(type) {
	case []float64:
		return vs, nil
	case []any:
		out := make([]float64, 0, len(vs))
		for _, x := range vs {
			switch n := x.(type) {
			case float64:
				out = append(out, n)
			case int:
				out = append(out, float64(n))
			case int64:
				out = append(out, float64(n))
			default:
				return nil, errors.InvalidInput(fmt.Sprintf("value %v is not a number", x))
			}
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, errors.InvalidInput(fmt.Sprintf("unexpected series type %T", v))
}

func average(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func trend(values []float64) string {
	first, last := values[0], values[len(values)-1]
	switch {
	case last > first:
		return "up"
	case last < first:
		return "down"
	}
	return "flat"
}
