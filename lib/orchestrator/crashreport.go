// Copyright (C) 2019 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package orchestrator

import (
	"bytes"
	"io"
	"runtime"

	raven "github.com/getsentry/raven-go"
	"github.com/maruel/panicparse/v2/stack"
)

// crashReporter sends a fatal subsystem error to Sentry, the same way
// the teacher's crash receiver does for a reported panic, except here
// the packet is built and sent directly from the process that hit the
// error rather than uploaded as a standalone report (spec §7: a
// missing sync folder, or any other condition that takes down a
// supervised service, is reported once and the process exits).
type crashReporter struct {
	dsn string
	cli *raven.Client
}

// newCrashReporter builds a reporter. dsn may be empty, in which case
// Report is a no-op — there is no sentry project configured for this
// deployment.
func newCrashReporter(dsn string) *crashReporter {
	r := &crashReporter{dsn: dsn}
	if dsn == "" {
		return r
	}
	cli, err := raven.New(dsn)
	if err != nil {
		l.Infof("crash reporter: %v", err)
		return r
	}
	r.cli = cli
	return r
}

// Report captures err with the current goroutine dump attached,
// parsed into Sentry stack frames via panicparse so the report reads
// like a symbolicated crash rather than a raw text blob.
func (r *crashReporter) Report(service string, err error) {
	l.Warnf("%s: fatal: %v", service, err)
	if r.cli == nil {
		return
	}

	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)

	pkt := &raven.Packet{
		Message: err.Error(),
		Level:   raven.ERROR,
		Tags:    raven.Tags{raven.Tag{Key: "service", Value: service}},
		Extra:   raven.Extra{"goroutines": string(buf[:n])},
	}
	if trace := parseGoroutineDump(buf[:n]); trace != nil {
		pkt.Interfaces = append(pkt.Interfaces, trace)
	}

	defer r.cli.Wait()
	_, errC := r.cli.Capture(pkt, nil)
	<-errC
}

// parseGoroutineDump turns a runtime.Stack dump into a Sentry
// stacktrace, the same way the teacher's crash receiver turns an
// uploaded report into one (cmd/infra/stcrashreceiver/sentry.go).
func parseGoroutineDump(dump []byte) *raven.Stacktrace {
	ctx, _, err := stack.ScanSnapshot(bytes.NewReader(dump), io.Discard, stack.DefaultOpts())
	if err != nil && err != io.EOF {
		return nil
	}
	if ctx == nil || len(ctx.Goroutines) == 0 {
		return nil
	}

	var trace raven.Stacktrace
	for _, gr := range ctx.Goroutines {
		if !gr.First {
			continue
		}
		trace.Frames = make([]*raven.StacktraceFrame, len(gr.Stack.Calls))
		for i, sc := range gr.Stack.Calls {
			trace.Frames[len(trace.Frames)-1-i] = raven.NewStacktraceFrame(0, sc.Func.Name, sc.RemoteSrcPath, sc.Line, 3, nil)
		}
		break
	}
	if len(trace.Frames) == 0 {
		return nil
	}
	return &trace
}
