package delivery

import (
	"context"

	logx "postqueue/pkg/logx"
)

// DryRun logs the attempt and reports success without contacting anything.
type DryRun struct {
	Log logx.Logger
}

func (d DryRun) Attempt(ctx context.Context, req Request) Outcome {
	if err := ctx.Err(); err != nil {
		return Transient(err.Error())
	}
	d.Log.Info("dry-run delivery",
		logx.String("platform", req.Platform),
		logx.String("task", req.TaskID),
		logx.Int("attempt", req.Attempt),
		logx.Int("chars", len([]rune(req.Body))),
	)
	return Delivered()
}
