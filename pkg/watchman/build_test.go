package watchman

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grovetools/buildwatch/command"
	"github.com/grovetools/buildwatch/pkg/bser"
)

const (
	testRoot = "/some/root"
	testExe  = "/opt/bin/watchman"
	testSock = "/path/to/sock"
)

// expectedVersionQuery mirrors the exact negotiation query the pipeline must
// send; the fake client answers nothing else.
var expectedVersionQuery = []interface{}{
	"version",
	map[string]interface{}{
		"required": []string{"cmd-watch-project"},
		"optional": []string{
			"term-dirname",
			"cmd-watch-project",
			"wildmatch",
			"wildmatch_multislash",
			"glob_generator",
			"clock-sync-timeout",
		},
	},
}

// renderQuery gives queries a deterministic map key (encoding/json sorts map
// keys).
func renderQuery(query []interface{}) string {
	data, err := json.Marshal(query)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// scriptedResponses maps queries to the daemon's answers.
type scriptedResponses map[string]map[string]interface{}

func respond(pairs ...interface{}) scriptedResponses {
	if len(pairs)%2 != 0 {
		panic("respond: want query/response pairs")
	}
	responses := make(scriptedResponses, len(pairs)/2)
	for i := 0; i < len(pairs); i += 2 {
		responses[renderQuery(pairs[i].([]interface{}))] = pairs[i+1].(map[string]interface{})
	}
	return responses
}

// fakeClient answers scripted queries, advancing the fake clock by a fixed
// amount per round trip.
type fakeClient struct {
	clock        *clockwork.FakeClock
	queryElapsed time.Duration
	responses    scriptedResponses
	closed       bool
}

func (c *fakeClient) Query(_ context.Context, query ...interface{}) (map[string]interface{}, error) {
	if c.queryElapsed > 0 {
		c.clock.Advance(c.queryElapsed)
	}
	resp, ok := c.responses[renderQuery(query)]
	if !ok {
		return nil, fmt.Errorf("unexpected query %s", renderQuery(query))
	}
	return resp, nil
}

func (c *fakeClient) Close() error {
	c.closed = true
	return nil
}

// fakeConnector yields the given client for the expected socket path and
// refuses everything else.
func fakeConnector(sockPath string, client Client) Connector {
	return func(_ context.Context, path string) (Client, error) {
		if path != sockPath {
			return nil, fmt.Errorf("bad path %s != %s", path, sockPath)
		}
		return client, nil
	}
}

func nullConnector(_ context.Context, _ string) (Client, error) {
	return nil, fmt.Errorf("no connection")
}

// scriptedProcess is one canned subprocess outcome: wait advances the fake
// clock before the result is returned, simulating a slow daemon.
type scriptedProcess struct {
	wait     time.Duration
	stdout   []byte
	exitCode int
}

type fakeRunner struct {
	clock *clockwork.FakeClock
	procs map[string]scriptedProcess
}

func (r *fakeRunner) Run(_ context.Context, params command.Params, _ time.Duration) (command.Result, error) {
	proc, ok := r.procs[strings.Join(params.Command, " ")]
	if !ok {
		return command.Result{}, fmt.Errorf("unexpected command %v", params.Command)
	}
	if proc.wait > 0 {
		r.clock.Advance(proc.wait)
	}
	return command.Result{Stdout: proc.stdout, ExitCode: proc.exitCode}, nil
}

func getSocknameRunner(t *testing.T, clock *clockwork.FakeClock, proc scriptedProcess) *fakeRunner {
	t.Helper()
	return &fakeRunner{
		clock: clock,
		procs: map[string]scriptedProcess{
			testExe + " --output-encoding=bser get-sockname": proc,
		},
	}
}

func socknameStdout(t *testing.T, version string) []byte {
	t.Helper()
	data, err := bser.Marshal(map[string]interface{}{
		"version":  version,
		"sockname": testSock,
	})
	require.NoError(t, err)
	return data
}

func testConsole(t *testing.T) (*logrus.Entry, *logrustest.Hook) {
	t.Helper()
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger.WithField("component", "watchman"), hook
}

func capabilityMap(supported ...string) map[string]interface{} {
	caps := map[string]interface{}{
		"term-dirname":         false,
		"cmd-watch-project":    false,
		"wildmatch":            false,
		"wildmatch_multislash": false,
		"glob_generator":       false,
		"clock-sync-timeout":   false,
	}
	for _, name := range supported {
		caps[name] = true
	}
	return caps
}

func TestVersionCheckFailureReturnsNull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{exitCode: 1}),
		Connector: nullConnector,
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
}

func TestLegacyDaemonWithoutCapabilitiesReturnsNull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, hook := testConsole(t)
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{"version": "3.7.9"},
			[]interface{}{"watch", testRoot},
			map[string]interface{}{"version": "3.7.9", "watch": testRoot},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "3.7.9")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "too old")
}

func TestRequiredCapabilityUnsupportedReturnsNull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, hook := testConsole(t)
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version":      "3.8.0",
				"capabilities": capabilityMap("term-dirname"),
				"error": "client required capabilty `cmd-watch-project` is not " +
					"supported by this server",
			},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "3.8.0")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
	require.NotNil(t, hook.LastEntry())
	assert.Contains(t, hook.LastEntry().Message, "cmd-watch-project")
}

func TestSlowEndpointDiscoveryExceedsBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version":      "3.8.0",
				"capabilities": capabilityMap("term-dirname"),
			},
			[]interface{}{"watch-project", testRoot},
			map[string]interface{}{"version": "3.8.0", "watch": testRoot},
		),
	}

	// The subprocess eventually answers correctly, but only after 30s
	// against a 5s budget: the deadline check must fire regardless.
	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Timeout:   5 * time.Second,
		Runner: getSocknameRunner(t, clock, scriptedProcess{
			wait:   30 * time.Second,
			stdout: socknameStdout(t, "3.8.0"),
		}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
}

func TestSlowQueryExceedsBudget(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	client := &fakeClient{
		clock:        clock,
		queryElapsed: 30 * time.Second,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version":      "3.8.0",
				"capabilities": capabilityMap("term-dirname", "cmd-watch-project"),
			},
			[]interface{}{"watch-project", testRoot},
			map[string]interface{}{"version": "3.8.0", "watch": testRoot},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Timeout:   5 * time.Second,
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "3.8.0")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
}

func TestCapabilitiesResolvedForVersion38(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version": "3.8.0",
				"capabilities": capabilityMap(
					"term-dirname", "cmd-watch-project", "wildmatch", "wildmatch_multislash",
				),
			},
			[]interface{}{"watch-project", testRoot},
			map[string]interface{}{"version": "3.8.0", "watch": testRoot},
			[]interface{}{"clock", testRoot},
			map[string]interface{}{"version": "3.8.0", "clock": "c:0:0:1"},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "3.8.0")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	require.True(t, got.Available())
	assert.Equal(t, "3.8.0", got.Version)
	assert.Equal(t, testSock, got.SockPath)
	assert.Equal(t, CapabilitySet{
		CapDirname:              {},
		CapSupportsProjectWatch: {},
		CapWildmatchGlob:        {},
		CapWildmatchMultislash:  {},
	}, got.Capabilities)
	assert.Equal(t, map[string]string{testRoot: "c:0:0:1"}, got.ClockIDs)
}

func TestCapabilitiesResolvedForVersion47(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	all := []string{
		"term-dirname", "cmd-watch-project", "wildmatch", "wildmatch_multislash",
		"glob_generator", "clock-sync-timeout",
	}
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version":      "4.7.0",
				"capabilities": capabilityMap(all...),
			},
			[]interface{}{"watch-project", testRoot},
			map[string]interface{}{"version": "4.7.0", "watch": testRoot},
			// The sync_timeout argument must be present for daemons that
			// negotiated clock-sync-timeout; no other clock query is scripted.
			[]interface{}{"clock", testRoot, map[string]interface{}{"sync_timeout": 100}},
			map[string]interface{}{"version": "4.7.0", "clock": "c:0:0:1"},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "4.7.0")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	require.True(t, got.Available())
	assert.Equal(t, CapabilitySet{
		CapDirname:              {},
		CapSupportsProjectWatch: {},
		CapWildmatchGlob:        {},
		CapWildmatchMultislash:  {},
		CapGlobGenerator:        {},
		CapClockSyncTimeout:     {},
	}, got.Capabilities)
	assert.Equal(t, map[string]string{testRoot: "c:0:0:1"}, got.ClockIDs)
}

func TestEmptyClockResponseOmitsRoot(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	all := []string{
		"term-dirname", "cmd-watch-project", "wildmatch", "wildmatch_multislash",
		"glob_generator", "clock-sync-timeout",
	}
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version":      "4.7.0",
				"capabilities": capabilityMap(all...),
			},
			[]interface{}{"watch-project", testRoot},
			map[string]interface{}{"version": "4.7.0", "watch": testRoot},
			[]interface{}{"clock", testRoot, map[string]interface{}{"sync_timeout": 100}},
			map[string]interface{}{},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "4.7.0")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	// A missing clock token is recoverable later; the session itself stands.
	require.True(t, got.Available())
	assert.NotSame(t, Null, got)
	assert.Empty(t, got.ClockIDs)
}

func TestConnectorFailureReturnsNull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "4.7.0")}),
		Connector: nullConnector,
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
}

func TestSecondRootRegistrationFailureAbortsSession(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	otherRoot := "/other/root"
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{
				"version":      "4.7.0",
				"capabilities": capabilityMap("term-dirname", "cmd-watch-project"),
			},
			[]interface{}{"watch-project", testRoot},
			map[string]interface{}{"version": "4.7.0", "watch": testRoot},
			[]interface{}{"watch-project", otherRoot},
			map[string]interface{}{"version": "4.7.0", "error": "unable to resolve root"},
		),
	}

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot, otherRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "4.7.0")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	// Partial registration must never yield a real descriptor.
	assert.Same(t, Null, got)
}

func TestMissingSocknameFieldReturnsNull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	stdout, err := bser.Marshal(map[string]interface{}{"version": "4.7.0"})
	require.NoError(t, err)

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: stdout}),
		Connector: nullConnector,
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
}

func TestUndecodableStdoutReturnsNull(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)

	got := Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: []byte("not bser")}),
		Connector: nullConnector,
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.Same(t, Null, got)
}

func TestNullDistinctFromEmptyDescriptor(t *testing.T) {
	empty := &Watchman{}
	assert.NotSame(t, Null, empty)
	assert.False(t, Null.Available())
	assert.True(t, empty.Available())
}

func TestClientClosedAfterBuild(t *testing.T) {
	clock := clockwork.NewFakeClock()
	console, _ := testConsole(t)
	client := &fakeClient{
		clock: clock,
		responses: respond(
			expectedVersionQuery,
			map[string]interface{}{"version": "3.7.9"},
		),
	}

	Build(context.Background(), BuildParams{
		RootPaths: []string{testRoot},
		Runner:    getSocknameRunner(t, clock, scriptedProcess{stdout: socknameStdout(t, "3.7.9")}),
		Connector: fakeConnector(testSock, client),
		Finder:    FixedFinder(testExe),
		Clock:     clock,
		Console:   console,
	})

	assert.True(t, client.closed)
}
