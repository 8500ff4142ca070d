package grpc

import (
	"time"

	"github.com/narvanalabs/buildmaster/internal/slave"
)

// SlaveMessage is sent from a slave to the master. Exactly one field is set.
type SlaveMessage struct {
	Hello     *Hello     `json:"hello,omitempty"`
	Heartbeat *Heartbeat `json:"heartbeat,omitempty"`
	Output    *Output    `json:"output,omitempty"`
	Result    *Result    `json:"result,omitempty"`
}

// MasterMessage is sent from the master to a slave. Exactly one field is set.
type MasterMessage struct {
	Welcome *Welcome           `json:"welcome,omitempty"`
	Exec    *slave.ExecRequest `json:"exec,omitempty"`
	Cancel  *Cancel            `json:"cancel,omitempty"`
}

// Hello opens an Attach stream.
type Hello struct {
	Slave   string            `json:"slave"`
	Labels  map[string]string `json:"labels,omitempty"`
	Version string            `json:"version,omitempty"`
}

// Welcome acknowledges a Hello.
type Welcome struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
}

// Heartbeat reports that the slave is alive.
type Heartbeat struct {
	Time    time.Time `json:"time"`
	Running int       `json:"running"`
}

// Output carries a chunk of process output.
type Output struct {
	ID     string       `json:"id"`
	Stream slave.Stream `json:"stream"`
	Data   []byte       `json:"data"`
}

// Result completes an Exec. Error is set when the slave could not execute
// the request at all.
type Result struct {
	ID     string            `json:"id"`
	Result *slave.ExecResult `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Cancel aborts a running Exec.
type Cancel struct {
	ID string `json:"id"`
}
