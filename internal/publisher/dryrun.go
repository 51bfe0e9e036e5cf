package publisher

import (
	"context"
	"strings"
	"sync/atomic"

	logx "zhihupub/pkg/logx"
)

const defaultDryRunURL = "https://zhuanlan.zhihu.com/p/dryrun-{task}"

// DryRun pretends every publish succeeds.
type DryRun struct {
	url   string
	log   logx.Logger
	calls atomic.Uint64
}

func NewDryRun(urlTemplate string, log logx.Logger) *DryRun {
	if strings.TrimSpace(urlTemplate) == "" {
		urlTemplate = defaultDryRunURL
	}
	return &DryRun{url: urlTemplate, log: log}
}

func (d *DryRun) Publish(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	d.calls.Add(1)
	u := strings.ReplaceAll(d.url, "{task}", req.TaskID)
	d.log.Info("dry-run publish", logx.String("task", req.TaskID), logx.String("account", req.AccountHandle), logx.String("title", req.Title))
	return Result{Success: true, ArtifactURL: u, Message: "dry run"}, nil
}

func (d *DryRun) Calls() uint64 { return d.calls.Load() }
