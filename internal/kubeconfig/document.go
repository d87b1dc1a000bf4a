package kubeconfig

import (
	"errors"
	"fmt"

	"github.com/goccy/go-yaml"
)

// ErrInvalidDocument indicates content that cannot be interpreted as a
// kubeconfig at all. Dangling references inside an otherwise valid document
// are not fatal; see Parser.Parse.
var ErrInvalidDocument = errors.New("kubeconfig: invalid document")

// Document mirrors the standard kubeconfig schema. Only fields this service
// reads or re-emits are declared; unknown fields are dropped on re-marshal.
type Document struct {
	APIVersion     string         `yaml:"apiVersion"`
	Kind           string         `yaml:"kind"`
	CurrentContext string         `yaml:"current-context,omitempty"`
	Clusters       []ClusterEntry `yaml:"clusters"`
	Users          []UserEntry    `yaml:"users"`
	Contexts       []ContextEntry `yaml:"contexts"`
}

// ClusterEntry names a cluster endpoint.
type ClusterEntry struct {
	Name    string      `yaml:"name"`
	Cluster ClusterData `yaml:"cluster"`
}

// ClusterData holds the endpoint and trust material.
type ClusterData struct {
	Server                   string `yaml:"server"`
	CertificateAuthorityData string `yaml:"certificate-authority-data,omitempty"`
	InsecureSkipTLSVerify    bool   `yaml:"insecure-skip-tls-verify,omitempty"`
}

// UserEntry names a credential set.
type UserEntry struct {
	Name string   `yaml:"name"`
	User UserData `yaml:"user"`
}

// UserData holds client credentials.
type UserData struct {
	Token                 string `yaml:"token,omitempty"`
	ClientCertificateData string `yaml:"client-certificate-data,omitempty"`
	ClientKeyData         string `yaml:"client-key-data,omitempty"`
	Username              string `yaml:"username,omitempty"`
	Password              string `yaml:"password,omitempty"`
}

// ContextEntry names a (cluster, user, namespace) triple.
type ContextEntry struct {
	Name    string      `yaml:"name"`
	Context ContextData `yaml:"context"`
}

// ContextData references cluster and user entries by name.
type ContextData struct {
	Cluster   string `yaml:"cluster"`
	User      string `yaml:"user"`
	Namespace string `yaml:"namespace,omitempty"`
}

func parseDocument(raw string) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if doc.Kind != "Config" {
		return nil, fmt.Errorf("%w: kind %q, expected Config", ErrInvalidDocument, doc.Kind)
	}
	return &doc, nil
}

func (d *Document) clusterByName(name string) (ClusterEntry, bool) {
	for _, entry := range d.Clusters {
		if entry.Name == name {
			return entry, true
		}
	}
	return ClusterEntry{}, false
}

func (d *Document) userByName(name string) (UserEntry, bool) {
	for _, entry := range d.Users {
		if entry.Name == name {
			return entry, true
		}
	}
	return UserEntry{}, false
}

// SingleContext mints a minimal kubeconfig containing only the named
// context's cluster/user/context triple, for handing out least-privilege
// credentials.
func SingleContext(raw, contextName string) (string, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return "", err
	}
	for _, entry := range doc.Contexts {
		if entry.Name != contextName {
			continue
		}
		clusterEntry, ok := doc.clusterByName(entry.Context.Cluster)
		if !ok {
			return "", fmt.Errorf("%w: context %q references unknown cluster %q", ErrInvalidDocument, contextName, entry.Context.Cluster)
		}
		userEntry, ok := doc.userByName(entry.Context.User)
		if !ok {
			return "", fmt.Errorf("%w: context %q references unknown user %q", ErrInvalidDocument, contextName, entry.Context.User)
		}
		minted := Document{
			APIVersion:     "v1",
			Kind:           "Config",
			CurrentContext: contextName,
			Clusters:       []ClusterEntry{clusterEntry},
			Users:          []UserEntry{userEntry},
			Contexts:       []ContextEntry{entry},
		}
		out, err := yaml.Marshal(minted)
		if err != nil {
			return "", fmt.Errorf("marshal kubeconfig: %w", err)
		}
		return string(out), nil
	}
	return "", fmt.Errorf("%w: context %q not found", ErrInvalidDocument, contextName)
}
