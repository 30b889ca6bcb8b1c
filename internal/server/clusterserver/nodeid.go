package clusterserver

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// NodeIDPrefix starts every generated node id.
const NodeIDPrefix = "dps-"

// NewNodeID returns a unique, time ordered node id such as
// "dps-01j9z3k8m2c4x7v5t0r6n1b3q8".
func NewNodeID() string {
	return NodeIDPrefix + strings.ToLower(ulid.Make().String())
}
