// Package hive models the declarative fleet: nodes, their network targets,
// the secrets ("keys") they expect, and the goal an operator is driving them
// toward. It is the data model threaded through every pipeline step.
package hive

import "fmt"

// Name is a fleet node identifier. It is a distinct type (rather than a bare
// string) so that node-name-keyed maps and function signatures read
// unambiguously throughout the pipeline.
type Name string

func (n Name) String() string { return string(n) }

// Goal is what the operator asked to do for a run.
type Goal int

const (
	GoalSwitch Goal = iota
	GoalBoot
	GoalTest
	GoalDryActivate
	GoalBuild
	GoalPush
	GoalKeys
)

// IsSwitchFamily reports whether g is one of the four
// switch-to-configuration variants.
func (g Goal) IsSwitchFamily() bool {
	switch g {
	case GoalSwitch, GoalBoot, GoalTest, GoalDryActivate:
		return true
	default:
		return false
	}
}

func (g Goal) String() string {
	switch g {
	case GoalSwitch:
		return "switch"
	case GoalBoot:
		return "boot"
	case GoalTest:
		return "test"
	case GoalDryActivate:
		return "dry-activate"
	case GoalBuild:
		return "build"
	case GoalPush:
		return "push"
	case GoalKeys:
		return "keys"
	default:
		return fmt.Sprintf("Goal(%d)", int(g))
	}
}

// ActivationVerb is the switch-to-configuration subcommand this goal maps
// to on the node.
func (g Goal) ActivationVerb() string {
	switch g {
	case GoalBoot:
		return "boot"
	case GoalTest:
		return "test"
	case GoalDryActivate:
		return "dry-activate"
	default:
		return "switch"
	}
}

// UploadKeyAt selects when a Key should be delivered relative to activation.
type UploadKeyAt int

const (
	// AnyOpportunity keys are delivered under the "keys" goal only, with no
	// relation to activation timing.
	AnyOpportunity UploadKeyAt = iota
	PreActivation
	PostActivation
)

func (u UploadKeyAt) String() string {
	switch u {
	case PreActivation:
		return "pre-activation"
	case PostActivation:
		return "post-activation"
	default:
		return "any-opportunity"
	}
}

// SourceKind distinguishes the three ways a Key's contents may be obtained.
type SourceKind int

const (
	SourceLiteral SourceKind = iota
	SourceFile
	SourceCommand
)

// Source is a tagged union over the three ways key content is produced.
type Source struct {
	Kind    SourceKind
	Literal string   // SourceLiteral
	Path    string   // SourceFile
	Command []string // SourceCommand
}

// Key is one secret file to be placed on a node.
type Key struct {
	Name        string
	DestDir     string
	User        string
	Group       string
	Permissions string // octal, e.g. "0600"
	Source      Source
	UploadAt    UploadKeyAt
}

// Destination is the absolute path this key is written to on the node.
func (k Key) Destination() string {
	if len(k.DestDir) == 0 {
		return k.Name
	}
	if k.DestDir[len(k.DestDir)-1] == '/' {
		return k.DestDir + k.Name
	}
	return k.DestDir + "/" + k.Name
}

// Node is one target machine in the fleet.
type Node struct {
	Target               Target
	BuildRemotely        bool
	AllowLocalDeployment bool
	Tags                 map[string]struct{}
	Keys                 []Key
	HostPlatform         string
}

// HasTag reports whether the node carries the given tag.
func (n *Node) HasTag(tag string) bool {
	_, ok := n.Tags[tag]
	return ok
}
