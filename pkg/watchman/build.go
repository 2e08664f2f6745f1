package watchman

import (
	"bytes"
	"context"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"

	"github.com/grovetools/buildwatch/command"
	"github.com/grovetools/buildwatch/errors"
	"github.com/grovetools/buildwatch/logging"
	"github.com/grovetools/buildwatch/pkg/bser"
)

// clockSyncTimeoutMillis is the sync_timeout argument sent with clock queries
// when the daemon negotiated clock-sync-timeout. It bounds how long the
// daemon may settle the watch before answering.
const clockSyncTimeoutMillis = 100

// BuildParams configures one establishment attempt. Zero-value fields get
// production defaults; tests inject fakes.
type BuildParams struct {
	// RootPaths are the absolute project roots to watch, registered in order.
	RootPaths []string
	// Env is the environment for locating and running the daemon executable.
	// Nil inherits the process environment.
	Env map[string]string
	// Timeout is the overall budget for the whole pipeline, shared across
	// every stage. Zero means no time-based aborts.
	Timeout time.Duration

	// Runner executes the daemon's get-sockname subcommand.
	Runner command.Runner
	// Connector turns the discovered socket path into a connected Client.
	Connector Connector
	// Finder locates the daemon executable.
	Finder Finder
	// Clock is the time source for budget accounting.
	Clock clockwork.Clock
	// Console receives human-readable diagnostics about failures.
	Console *logrus.Entry
}

// Build runs the session-establishment pipeline: endpoint discovery, connect,
// capability negotiation, per-root watch registration, and initial clock
// fetch. On any failure it logs the cause and returns Null — never an error —
// so callers branch on a single sentinel and run unaccelerated builds when no
// session exists.
func Build(ctx context.Context, params BuildParams) *Watchman {
	if params.Runner == nil {
		params.Runner = command.NewRunner()
	}
	if params.Connector == nil {
		params.Connector = Connect
	}
	if params.Finder == nil {
		params.Finder = PathFinder{}
	}
	if params.Clock == nil {
		params.Clock = clockwork.NewRealClock()
	}
	if params.Console == nil {
		params.Console = logging.NewLogger("watchman")
	}
	if params.Env == nil {
		params.Env = command.InheritedEnv()
	}

	b := &builder{
		BuildParams: params,
		start:       params.Clock.Now(),
	}
	return b.establish(ctx)
}

type builder struct {
	BuildParams
	start time.Time
}

func (b *builder) establish(ctx context.Context) *Watchman {
	sockPath, ok := b.discoverEndpoint(ctx)
	if !ok {
		return Null
	}

	client, err := b.Connector(ctx, sockPath)
	if err != nil {
		b.Console.Warn(errors.ConnectFailed(sockPath, err).Error())
		return Null
	}
	defer client.Close()

	version, caps, ok := b.negotiate(ctx, client)
	if !ok {
		return Null
	}

	if !b.registerRoots(ctx, client) {
		return Null
	}

	clocks, ok := b.fetchClocks(ctx, client, caps)
	if !ok {
		return Null
	}

	b.Console.WithFields(logrus.Fields{
		"version": version,
		"roots":   len(b.RootPaths),
	}).Debug("watchman session established")

	return &Watchman{
		SockPath:     sockPath,
		Version:      version,
		Capabilities: caps,
		ClockIDs:     clocks,
	}
}

// discoverEndpoint runs the daemon's get-sockname subcommand and decodes the
// socket path from its wire-encoded stdout.
func (b *builder) discoverEndpoint(ctx context.Context) (string, bool) {
	exe, err := b.Finder.Find("watchman", b.Env)
	if err != nil {
		b.Console.Warnf("watchman not found: %v", err)
		return "", false
	}

	remaining, ok := b.remaining()
	if !ok {
		b.Console.Warn(errors.DeadlineExceeded("endpoint discovery", b.Timeout).Error())
		return "", false
	}

	cmdline := append([]string{exe}, getSocknameArgs...)
	result, err := b.Runner.Run(ctx, command.Params{Command: cmdline, Env: b.Env}, remaining)
	if err != nil {
		b.Console.Warnf("could not run %s get-sockname: %v", exe, err)
		return "", false
	}
	if !b.withinBudget("endpoint discovery") {
		return "", false
	}
	if result.ExitCode != 0 {
		b.Console.Warn(errors.LaunchFailed(exe+" get-sockname", result.ExitCode).Error())
		return "", false
	}

	raw, err := decodeStdout(result.Stdout)
	if err != nil {
		b.Console.Warn(errors.ProtocolDecode("get-sockname output", err).Error())
		return "", false
	}
	var resp sockNameResponse
	if err := mapstructure.Decode(raw, &resp); err != nil {
		b.Console.Warn(errors.ProtocolDecode("get-sockname output", err).Error())
		return "", false
	}
	if resp.SockName == "" {
		b.Console.Warn(errors.ProtocolDecode("get-sockname output",
			errors.New(errors.ErrCodeProtocolDecode, "response has no sockname field")).Error())
		return "", false
	}

	b.Console.WithFields(logrus.Fields{
		"sockname": resp.SockName,
		"version":  resp.Version,
		"roots":    b.RootPaths,
	}).Debug("discovered watchman endpoint")
	return resp.SockName, true
}

// decodeStdout accepts the daemon's stdout with or without PDU framing.
// Released daemons frame it; some builds write the bare value.
func decodeStdout(stdout []byte) (interface{}, error) {
	if len(stdout) >= 2 && stdout[0] == 0x00 && stdout[1] == 0x01 {
		return bser.DecodePDU(bytes.NewReader(stdout))
	}
	return bser.Unmarshal(stdout)
}

// negotiate declares required and optional capabilities and resolves the
// daemon's answer against the static name table.
func (b *builder) negotiate(ctx context.Context, client Client) (string, CapabilitySet, bool) {
	resp, ok := b.query(ctx, client, "version query", versionQuery())
	if !ok {
		return "", nil, false
	}

	var vr versionResponse
	if err := mapstructure.Decode(resp, &vr); err != nil {
		b.Console.Warn(errors.ProtocolDecode("version response", err).Error())
		return "", nil, false
	}
	if vr.Error != "" {
		b.Console.Warn(errors.CapabilityUnsupported(vr.Error).Error())
		return "", nil, false
	}
	if _, has := resp["capabilities"]; !has {
		// Pre-3.8 daemons answer a bare version string. The client depends
		// on the extended capability query, so this is a failure.
		b.Console.Warn(errors.LegacyDaemon(vr.Version).Error())
		return "", nil, false
	}

	return vr.Version, resolveCapabilities(vr.Capabilities), true
}

// registerRoots watches every root in caller order. Any single failure aborts
// the whole pipeline: a build must never believe the full set is watched when
// only a subset is.
func (b *builder) registerRoots(ctx context.Context, client Client) bool {
	for _, root := range b.RootPaths {
		resp, ok := b.query(ctx, client, "watch-project", watchProjectQuery(root))
		if !ok {
			return false
		}

		var wr watchResponse
		if err := mapstructure.Decode(resp, &wr); err != nil {
			b.Console.Warn(errors.ProtocolDecode("watch-project response", err).Error())
			return false
		}
		if wr.Error != "" {
			b.Console.Warn(errors.RegistrationFailed(root, wr.Error).Error())
			return false
		}
		if wr.Warning != "" {
			b.Console.Warnf("watchman warning for %s: %s", root, wr.Warning)
		}

		b.Console.WithFields(logrus.Fields{
			"root":  root,
			"watch": wr.Watch,
		}).Debug("registered project watch")
	}
	return true
}

// fetchClocks requests an initial clock token per registered root. A missing
// clock field is not a failure — the root is simply absent from the mapping
// and the caller recovers a token later. Budget exhaustion still aborts.
func (b *builder) fetchClocks(ctx context.Context, client Client, caps CapabilitySet) (map[string]string, bool) {
	syncTimeout := 0
	if caps.Has(CapClockSyncTimeout) {
		syncTimeout = clockSyncTimeoutMillis
		if remaining, ok := b.remaining(); ok && remaining > 0 {
			if ms := int(remaining / time.Millisecond); ms < syncTimeout {
				syncTimeout = ms
			}
		}
	}

	clocks := make(map[string]string, len(b.RootPaths))
	for _, root := range b.RootPaths {
		resp, ok := b.query(ctx, client, "clock", clockQuery(root, syncTimeout))
		if !ok {
			return nil, false
		}
		if token, ok := resp["clock"].(string); ok {
			clocks[root] = token
		} else {
			b.Console.WithField("root", root).Debug("no clock token in response")
		}
	}
	return clocks, true
}

// query performs one round trip, bounded by the remaining budget both before
// (refusing to start once the budget is spent) and after (catching waits that
// overran it even though a response arrived).
func (b *builder) query(ctx context.Context, client Client, stage string, query []interface{}) (map[string]interface{}, bool) {
	remaining, ok := b.remaining()
	if !ok {
		b.Console.Warn(errors.DeadlineExceeded(stage, b.Timeout).Error())
		return nil, false
	}
	if remaining > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, remaining)
		defer cancel()
	}

	resp, err := client.Query(ctx, query...)
	if err != nil {
		b.Console.Warnf("watchman %s failed: %v", stage, err)
		return nil, false
	}
	if !b.withinBudget(stage) {
		return nil, false
	}
	return resp, true
}

// remaining returns the unspent budget. ok is false once the budget is gone.
// With no budget configured, remaining is zero and ok is always true.
func (b *builder) remaining() (time.Duration, bool) {
	if b.Timeout <= 0 {
		return 0, true
	}
	left := b.Timeout - b.Clock.Since(b.start)
	if left <= 0 {
		return 0, false
	}
	return left, true
}

// withinBudget re-checks the budget after a blocking call and logs when the
// call overran it. The check is cooperative: a response that arrived late is
// discarded even though it was, strictly, a success.
func (b *builder) withinBudget(stage string) bool {
	if _, ok := b.remaining(); !ok {
		b.Console.Warn(errors.DeadlineExceeded(stage, b.Timeout).Error())
		return false
	}
	return true
}
