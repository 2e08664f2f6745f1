package watchman

// Query constructors and response shapes for the subset of the daemon
// protocol the establishment pipeline uses. Every query is an ordered
// sequence; every response is a key/value mapping.

// getSocknameArgs is the subcommand that prints the daemon's endpoint as a
// wire-encoded map on stdout.
var getSocknameArgs = []string{"--output-encoding=bser", "get-sockname"}

// versionQuery asks the daemon for its version and which of the named
// capabilities it supports. Required names the daemon cannot satisfy make it
// answer with an error field.
func versionQuery() []interface{} {
	return []interface{}{
		"version",
		map[string]interface{}{
			"required": requiredCapabilities,
			"optional": optionalCapabilities,
		},
	}
}

// watchProjectQuery registers a root for watching.
func watchProjectQuery(root string) []interface{} {
	return []interface{}{"watch-project", root}
}

// clockQuery fetches the current clock token for a registered root.
// syncTimeoutMillis > 0 asks the daemon to settle the watch before
// answering, for daemons that negotiated clock-sync-timeout.
func clockQuery(root string, syncTimeoutMillis int) []interface{} {
	if syncTimeoutMillis > 0 {
		return []interface{}{
			"clock", root,
			map[string]interface{}{"sync_timeout": syncTimeoutMillis},
		}
	}
	return []interface{}{"clock", root}
}

// sockNameResponse is the decoded stdout of get-sockname.
type sockNameResponse struct {
	Version  string `mapstructure:"version"`
	SockName string `mapstructure:"sockname"`
}

// versionResponse is the answer to versionQuery. Capabilities is nil when the
// daemon is too old to report capability information at all.
type versionResponse struct {
	Version      string          `mapstructure:"version"`
	Capabilities map[string]bool `mapstructure:"capabilities"`
	Error        string          `mapstructure:"error"`
}

// watchResponse is the answer to watchProjectQuery.
type watchResponse struct {
	Watch        string `mapstructure:"watch"`
	RelativePath string `mapstructure:"relative_path"`
	Warning      string `mapstructure:"warning"`
	Error        string `mapstructure:"error"`
}
