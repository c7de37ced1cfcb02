package hive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/fleetctl/fleetctl/internal/fleeterrors"
)

// Hive is the deployed fleet: a set of named nodes resolved from the
// filesystem path the operator pointed at.
type Hive struct {
	Nodes map[Name]*Node
	Path  string
}

// evaluatorDoc is the shape the external evaluator's stdout JSON document is
// decoded into before being lifted into Node/Target/Key values.
type evaluatorDoc struct {
	Nodes map[string]evaluatorNode `json:"nodes"`
}

type evaluatorNode struct {
	Hosts                []string          `json:"hosts"`
	User                 string            `json:"user"`
	Port                 int               `json:"port"`
	AcceptNewHostKeys    bool              `json:"sshAcceptHost"`
	BuildRemotely        bool              `json:"buildOnTarget"`
	AllowLocalDeployment bool              `json:"allowLocalDeployment"`
	Tags                 []string          `json:"tags"`
	HostPlatform         string            `json:"hostPlatform"`
	Keys                 []evaluatorKey    `json:"keys"`
}

type evaluatorKey struct {
	Name        string   `json:"name"`
	DestDir     string   `json:"destDir"`
	User        string   `json:"user"`
	Group       string   `json:"group"`
	Permissions string   `json:"permissions"`
	UploadAt    string   `json:"uploadAt"`
	SourceType  string   `json:"sourceType"` // "literal" | "file" | "command"
	Literal     string   `json:"literal,omitempty"`
	Path        string   `json:"path,omitempty"`
	Command     []string `json:"command,omitempty"`
}

// FindHivePath walks upward from start looking first for flake.nix, then
// hive.nix, matching the original evaluator-discovery precedence.
func FindHivePath(start string) (string, error) {
	dir, err := filepath.Abs(start)
	if err != nil {
		return "", err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "flake.nix")); err == nil {
			return filepath.Join(dir, "flake.nix"), nil
		}
		if _, err := os.Stat(filepath.Join(dir, "hive.nix")); err == nil {
			return filepath.Join(dir, "hive.nix"), nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no hive could be found starting from %s", start)
		}
		dir = parent
	}
}

// Load invokes the external evaluator against path and parses its JSON
// stdout document into a Hive.
func Load(ctx context.Context, path string) (*Hive, error) {
	cmd := exec.CommandContext(ctx, "nix", "eval", "--json", "--file", path, "fleetNodes")
	out, err := cmd.Output()
	if err != nil {
		return nil, &fleeterrors.NixEvalError{Err: err}
	}

	var doc evaluatorDoc
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, fmt.Errorf("parsing evaluator output: %w", err)
	}

	h := &Hive{Nodes: map[Name]*Node{}, Path: path}
	for name, en := range doc.Nodes {
		node := &Node{
			Target: Target{
				Hosts:             en.Hosts,
				User:              en.User,
				Port:              en.Port,
				AcceptNewHostKeys: en.AcceptNewHostKeys,
			},
			BuildRemotely:        en.BuildRemotely,
			AllowLocalDeployment: en.AllowLocalDeployment,
			Tags:                 map[string]struct{}{},
			HostPlatform:         en.HostPlatform,
		}
		for _, t := range en.Tags {
			node.Tags[t] = struct{}{}
		}
		for _, ek := range en.Keys {
			node.Keys = append(node.Keys, keyFromEvaluator(ek))
		}
		h.Nodes[Name(name)] = node
	}
	return h, nil
}

func keyFromEvaluator(ek evaluatorKey) Key {
	k := Key{
		Name:        ek.Name,
		DestDir:     ek.DestDir,
		User:        ek.User,
		Group:       ek.Group,
		Permissions: ek.Permissions,
	}
	switch ek.UploadAt {
	case "pre-activation":
		k.UploadAt = PreActivation
	case "post-activation":
		k.UploadAt = PostActivation
	default:
		k.UploadAt = AnyOpportunity
	}
	switch ek.SourceType {
	case "file":
		k.Source = Source{Kind: SourceFile, Path: ek.Path}
	case "command":
		k.Source = Source{Kind: SourceCommand, Command: ek.Command}
	default:
		k.Source = Source{Kind: SourceLiteral, Literal: ek.Literal}
	}
	return k
}

// ForceAlwaysLocal flips build_remotely off for every named node, honoring
// the operator's --always-build-local override. It returns an error naming
// the first node that doesn't exist in the hive.
func (h *Hive) ForceAlwaysLocal(names []string) error {
	for _, name := range names {
		node, ok := h.Nodes[Name(name)]
		if !ok {
			return &fleeterrors.NodeDoesNotExistError{Name: name}
		}
		node.BuildRemotely = false
	}
	return nil
}

// Select resolves the working set of nodes for an apply run: the union of
// literal node names and nodes carrying any of the given tags, or every
// node when both selectors are empty.
func (h *Hive) Select(names, tags []string) map[Name]*Node {
	if len(names) == 0 && len(tags) == 0 {
		out := make(map[Name]*Node, len(h.Nodes))
		for n, node := range h.Nodes {
			out[n] = node
		}
		return out
	}

	nameSet := map[Name]struct{}{}
	for _, n := range names {
		nameSet[Name(n)] = struct{}{}
	}
	tagSet := map[string]struct{}{}
	for _, t := range tags {
		tagSet[t] = struct{}{}
	}

	out := map[Name]*Node{}
	for n, node := range h.Nodes {
		if _, ok := nameSet[n]; ok {
			out[n] = node
			continue
		}
		for tag := range node.Tags {
			if _, ok := tagSet[tag]; ok {
				out[n] = node
				break
			}
		}
	}
	return out
}
