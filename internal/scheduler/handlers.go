package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/opsconductor/opsconductor/internal/models"
)

// Task names the registry routes on.
const (
	TaskJobRun         = "opsconductor.job.run"
	TaskWorkflowRun    = "opsconductor.workflow.run"
	TaskAlertsEvaluate = "opsconductor.alerts.evaluate"
	TaskDiscoveryScan  = "opsconductor.discovery.scan_chunk"
)

// PollRunner triggers one poll cycle for a connector by id.
type PollRunner interface {
	PollNow(ctx context.Context, connectorID string) error
}

type jobRunConfig struct {
	ConnectorID string `json:"connectorId"`
}

// NewConnectorPollHandler returns the opsconductor.job.run handler, which
// drives one poll of the connector named in the job config.
func NewConnectorPollHandler(runner PollRunner) HandlerFunc {
	return func(ctx context.Context, run *Run) error {
		var cfg jobRunConfig
		if err := json.Unmarshal(run.Config, &cfg); err != nil {
			return fmt.Errorf("failed to decode job config: %w", err)
		}
		if cfg.ConnectorID == "" {
			return fmt.Errorf("job config missing connectorId")
		}

		step := "poll " + cfg.ConnectorID
		if err := run.StartStep(ctx, step); err != nil {
			return err
		}
		if err := runner.PollNow(ctx, cfg.ConnectorID); err != nil {
			_ = run.FinishStep(ctx, step, models.StepFailed, err.Error())
			return fmt.Errorf("connector %s poll failed: %w", cfg.ConnectorID, err)
		}
		if err := run.FinishStep(ctx, step, models.StepDone, ""); err != nil {
			return err
		}
		return run.SetPercent(ctx, 100)
	}
}

// RuleSweeper runs one evaluation pass over all enabled alert rules.
type RuleSweeper interface {
	EvaluateAll(ctx context.Context) error
}

// NewRuleSweepHandler returns the opsconductor.alerts.evaluate handler.
func NewRuleSweepHandler(sweeper RuleSweeper) HandlerFunc {
	return func(ctx context.Context, run *Run) error {
		if err := run.StartStep(ctx, "evaluate rules"); err != nil {
			return err
		}
		if err := sweeper.EvaluateAll(ctx); err != nil {
			_ = run.FinishStep(ctx, "evaluate rules", models.StepFailed, err.Error())
			return err
		}
		if err := run.FinishStep(ctx, "evaluate rules", models.StepDone, ""); err != nil {
			return err
		}
		return run.SetPercent(ctx, 100)
	}
}

type workflowConfig struct {
	Steps []workflowStep `json:"steps"`
}

type workflowStep struct {
	Name   string          `json:"name"`
	Task   string          `json:"task"`
	Config json.RawMessage `json:"config,omitempty"`
}

// NewWorkflowHandler returns the opsconductor.workflow.run handler: an
// ordered list of registered tasks executed on the calling run with per-step
// progress. The first failing step aborts the workflow.
func NewWorkflowHandler(registry *Registry) HandlerFunc {
	return func(ctx context.Context, run *Run) error {
		var cfg workflowConfig
		if err := json.Unmarshal(run.Config, &cfg); err != nil {
			return fmt.Errorf("failed to decode workflow config: %w", err)
		}
		if len(cfg.Steps) == 0 {
			return fmt.Errorf("workflow has no steps")
		}

		for i, step := range cfg.Steps {
			name := step.Name
			if name == "" {
				name = fmt.Sprintf("step %d", i+1)
			}
			if step.Task == TaskWorkflowRun {
				return fmt.Errorf("workflow step %q must not nest workflows", name)
			}
			handler := registry.Get(step.Task)
			if handler == nil {
				return fmt.Errorf("workflow step %q references unknown task %q", name, step.Task)
			}

			if err := run.StartStep(ctx, name); err != nil {
				return err
			}

			// Steps share the execution row: swap in the step's task and
			// config so its progress lands in the same blob.
			prevTask, prevCfg := run.TaskName, run.Config
			run.TaskName, run.Config = step.Task, step.Config
			err := handler(ctx, run)
			run.TaskName, run.Config = prevTask, prevCfg

			if err != nil {
				if errors.Is(err, ErrCancelled) {
					return err
				}
				_ = run.FinishStep(ctx, name, models.StepFailed, err.Error())
				return fmt.Errorf("workflow step %q failed: %w", name, err)
			}
			if err := run.FinishStep(ctx, name, models.StepDone, ""); err != nil {
				return err
			}
			if err := run.SetPercent(ctx, (i+1)*100/len(cfg.Steps)); err != nil {
				return err
			}
		}

		run.SetResult(fmt.Sprintf("%d steps completed", len(cfg.Steps)))
		return nil
	}
}

type scanChunkConfig struct {
	CIDR      string `json:"cidr"`
	Ports     []int  `json:"ports,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

var defaultScanPorts = []int{22, 80, 443, 161}

// maxScanChunk caps one execution's sweep; larger networks are split into
// chunk jobs by the operator.
const maxScanChunk = 1024

// NewDiscoveryScanHandler returns the opsconductor.discovery.scan_chunk
// handler: a TCP probe sweep over one CIDR chunk. A host with at least one
// open port counts as alive.
func NewDiscoveryScanHandler() HandlerFunc {
	return func(ctx context.Context, run *Run) error {
		var cfg scanChunkConfig
		if err := json.Unmarshal(run.Config, &cfg); err != nil {
			return fmt.Errorf("failed to decode scan config: %w", err)
		}
		_, network, err := net.ParseCIDR(cfg.CIDR)
		if err != nil {
			return fmt.Errorf("invalid cidr %q: %w", cfg.CIDR, err)
		}
		ports := cfg.Ports
		if len(ports) == 0 {
			ports = defaultScanPorts
		}
		timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 500 * time.Millisecond
		}

		hosts := hostsInChunk(network)
		step := "scan " + network.String()
		if err := run.StartStep(ctx, step); err != nil {
			return err
		}

		dialer := &net.Dialer{Timeout: timeout}
		alive := 0
		for i, host := range hosts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if hostAlive(ctx, dialer, host, ports) {
				alive++
			}
			// Progress every 16 hosts keeps the row fresh without hammering it.
			if (i+1)%16 == 0 || i == len(hosts)-1 {
				if err := run.SetPercent(ctx, (i+1)*100/len(hosts)); err != nil {
					return err
				}
			}
		}

		summary, _ := json.Marshal(map[string]int{"scanned": len(hosts), "alive": alive})
		run.SetResult(string(summary))
		return run.FinishStep(ctx, step, models.StepDone, fmt.Sprintf("%d/%d hosts alive", alive, len(hosts)))
	}
}

func hostAlive(ctx context.Context, dialer *net.Dialer, host string, ports []int) bool {
	for _, port := range ports {
		conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			conn.Close()
			return true
		}
	}
	return false
}

// hostsInChunk expands a network into addresses, dropping the network and
// broadcast addresses on IPv4 subnets when the whole range fit in the cap.
func hostsInChunk(network *net.IPNet) []string {
	var hosts []string
	for ip := network.IP.Mask(network.Mask); network.Contains(ip) && len(hosts) < maxScanChunk; ip = nextIP(ip) {
		hosts = append(hosts, ip.String())
	}
	if ones, bits := network.Mask.Size(); bits == 32 && bits-ones > 1 && len(hosts) > 2 && len(hosts) < maxScanChunk {
		hosts = hosts[1 : len(hosts)-1]
	}
	return hosts
}

func nextIP(ip net.IP) net.IP {
	next := make(net.IP, len(ip))
	copy(next, ip)
	for i := len(next) - 1; i >= 0; i-- {
		next[i]++
		if next[i] != 0 {
			break
		}
	}
	return next
}
