// runtime configuration consumed by the consensus core
package options

import (
	"time"
)

type Options struct {
	// primary view-change timeout: how long a seen request may go
	// unexecuted before a failure is declared
	FDOperTimeout time.Duration

	// shorter secondary timeout used once a failure has already been
	// declared and more requests are pending
	FDFailTimeout time.Duration

	// sequences per checkpoint
	CheckpointInterval uint64

	// emit audit traffic and run the primary's leader status heartbeat
	AuditEnabled           bool
	AuditHeartbeatInterval time.Duration

	// bound on the audit observer's recorded commit/leader maps
	AuditMemSize int

	// bound on the failure detector's executed-request memory
	MaxCompletedRequestsMemory int

	// when true, JOIN envelopes must carry a signed whitelist token
	PeerValidationEnabled bool

	// when true, client database requests don't need a verifiable
	// signature from a known identity
	AnonymousClients bool
}

func Defaults() *Options {
	return &Options{
		FDOperTimeout:              5 * time.Second,
		FDFailTimeout:              1 * time.Second,
		CheckpointInterval:         100,
		AuditEnabled:               true,
		AuditHeartbeatInterval:     5 * time.Second,
		AuditMemSize:               10000,
		MaxCompletedRequestsMemory: 10000,
		PeerValidationEnabled:      false,
		AnonymousClients:           true,
	}
}
