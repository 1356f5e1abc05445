package graph

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Role determines how the output of a node is interpreted
type Role string

const (
	RoleLLM       Role = "LLM"
	RoleEmbedding Role = "EMBEDDING"
	RoleRerank    Role = "RERANK"
	RoleRetriever Role = "RETRIEVER"
	RoleGeneric   Role = "GENERIC"
)

// ParseRole converts a configuration string into a Role. Unknown values
// are rejected so a typo in the topology cannot silently become GENERIC.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(s))) {
	case RoleLLM:
		return RoleLLM, nil
	case RoleEmbedding:
		return RoleEmbedding, nil
	case RoleRerank:
		return RoleRerank, nil
	case RoleRetriever:
		return RoleRetriever, nil
	case RoleGeneric, "":
		return RoleGeneric, nil
	default:
		return "", fmt.Errorf("unknown node role: %q", s)
	}
}

// ServiceNode describes one backend endpoint participating in orchestration.
// Nodes are values: once registered in a Graph they are never mutated.
type ServiceNode struct {
	Name      string `json:"name" yaml:"name"`
	Host      string `json:"host" yaml:"host"`
	Port      int    `json:"port" yaml:"port"`
	Path      string `json:"path" yaml:"path"`
	Role      Role   `json:"role" yaml:"role"`
	Remote    bool   `json:"remote" yaml:"remote"`
	Streaming bool   `json:"streaming" yaml:"streaming"`
}

// Address returns host:port
func (n ServiceNode) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// URL returns the full http URL of the node endpoint
func (n ServiceNode) URL() string {
	path := n.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + n.Address() + path
}

// Validate checks the node fields that every node must carry
func (n ServiceNode) Validate() error {
	if n.Name == "" {
		return fmt.Errorf("node name is required")
	}
	if !n.Remote {
		return nil
	}
	if n.Host == "" {
		return fmt.Errorf("node %s: host is required", n.Name)
	}
	if n.Port < 1 || n.Port > 65535 {
		return fmt.Errorf("node %s: invalid port %d", n.Name, n.Port)
	}
	return nil
}

// Edge is a data dependency: the decoded output of From feeds the input of To
type Edge struct {
	From string `json:"from" yaml:"from"`
	To   string `json:"to" yaml:"to"`
}
