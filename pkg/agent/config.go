package agent

// Config points the agent at its data directory and the user-driven port
// configuration. Only ports.yml is live-reloaded; the data directory is
// fixed for the process lifetime.
type Config struct {
	DataDir     string `json:"dataDir"`
	PortsConfig string `json:"portsConfig"`
}
