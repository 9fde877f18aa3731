package main

import (
	"context"

	"github.com/haioco/antisanction/pkg/sysproxy"
)

// noopAdapter backs commands that only render.
type noopAdapter struct{}

func (noopAdapter) SetManualProxy(context.Context, sysproxy.Endpoint, sysproxy.ExceptionList) error {
	return nil
}

func (noopAdapter) SetPacURL(context.Context, string) error { return nil }

func (noopAdapter) ClearProxy(context.Context) error { return nil }
