// Package idgen produces the opaque identifiers used across dsprof.
//
// Every persistent entity carries a type-scoped prefix over a UUIDv7 so
// that a bare identifier in a log line is self-describing: "ds_" for
// datasets, "job_" for jobs, "rpt_" for reports, "msg_" for queue
// messages. UUIDv7 keeps identifiers time-sortable, which the list
// endpoints rely on as a tiebreaker.
package idgen

import (
	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator producing RFC 9562 UUID v7 strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator used when a constructor is given none.
var Default Generator = UUIDv7()

// Dataset, Job, Report and Message are the entity-scoped generators.
var (
	Dataset = Prefixed("ds_", Default)
	Job     = Prefixed("job_", Default)
	Report  = Prefixed("rpt_", Default)
	Message = Prefixed("msg_", Default)
)
