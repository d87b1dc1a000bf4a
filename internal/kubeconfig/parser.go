package kubeconfig

import (
	"fmt"
	"log/slog"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
)

// ClusterContext is one resolved context from a kubeconfig. It keeps the
// complete source document alongside the convenience fields because the full
// multi-context document is what gets encrypted and persisted as a unit.
type ClusterContext struct {
	Name                 string
	Server               string
	Namespace            string
	CertificateAuthority string
	Token                string
	ClientCertificate    string
	ClientKey            string
	Provider             string
	Region               string
	IsCurrent            bool
	Kubeconfig           string
}

// Parser turns kubeconfig documents into normalized per-cluster records.
type Parser struct {
	log           *slog.Logger
	defaultRegion string

	// clientFor builds a clientset for a single-context document; swapped
	// out by connectivity tests.
	clientFor func(kubeconfig []byte) (kubernetes.Interface, error)
}

// New constructs a Parser. defaultRegion is reported when no region
// heuristic matches a server endpoint.
func New(log *slog.Logger, defaultRegion string) *Parser {
	if defaultRegion == "" {
		defaultRegion = DefaultRegion
	}
	return &Parser{
		log:           log,
		defaultRegion: defaultRegion,
		clientFor:     buildClientset,
	}
}

// Parse resolves every declared context against its cluster and user entries.
// A context with a dangling reference is skipped and logged; only a document
// that fails the schema check is an error.
func (p *Parser) Parse(raw string) ([]ClusterContext, error) {
	doc, err := parseDocument(raw)
	if err != nil {
		return nil, err
	}
	contexts := make([]ClusterContext, 0, len(doc.Contexts))
	for _, entry := range doc.Contexts {
		clusterEntry, ok := doc.clusterByName(entry.Context.Cluster)
		if !ok {
			p.log.Warn("skipping context with unknown cluster reference",
				"context", entry.Name, "cluster", entry.Context.Cluster)
			continue
		}
		userEntry, ok := doc.userByName(entry.Context.User)
		if !ok {
			p.log.Warn("skipping context with unknown user reference",
				"context", entry.Name, "user", entry.Context.User)
			continue
		}
		contexts = append(contexts, ClusterContext{
			Name:                 entry.Name,
			Server:               clusterEntry.Cluster.Server,
			Namespace:            entry.Context.Namespace,
			CertificateAuthority: clusterEntry.Cluster.CertificateAuthorityData,
			Token:                userEntry.User.Token,
			ClientCertificate:    userEntry.User.ClientCertificateData,
			ClientKey:            userEntry.User.ClientKeyData,
			Provider:             Provider(entry.Context.Cluster, clusterEntry.Cluster.Server),
			Region:               p.region(clusterEntry.Cluster.Server),
			IsCurrent:            entry.Name == doc.CurrentContext,
			Kubeconfig:           raw,
		})
	}
	return contexts, nil
}

func buildClientset(kubeconfig []byte) (kubernetes.Interface, error) {
	restConfig, err := clientcmd.RESTConfigFromKubeConfig(kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("build rest config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes client: %w", err)
	}
	return clientset, nil
}
