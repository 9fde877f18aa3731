//go:build darwin

package sysproxy

import (
	"bytes"
	"context"

	"github.com/getlantern/elevate"

	"github.com/haioco/antisanction/pkg/common"
)

type elevatedRunner struct {
	prompt string
}

func newElevatedRunner() Runner {
	return elevatedRunner{prompt: "Authorize " + common.AppName + " to change the system proxy settings"}
}

func (r elevatedRunner) CombinedOutput(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := elevate.WithPrompt(r.prompt).Command(name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case err := <-done:
		return out.Bytes(), err
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return out.Bytes(), ctx.Err()
	}
}
