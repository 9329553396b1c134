package main

import (
	"context"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// processName resolves pid's executable name, the same cross-platform
// lookup pkg/monitor uses for its own process table.
func processName(ctx context.Context, pid int) string {
	p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return ""
	}
	name, err := p.NameWithContext(ctx)
	if err != nil {
		return ""
	}
	return name
}

func processExists(ctx context.Context, pid int) bool {
	exists, err := gopsprocess.PidExistsWithContext(ctx, int32(pid))
	return err == nil && exists
}
