package kubeconfig

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sruntime "k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"

	corev1 "k8s.io/api/core/v1"
)

const twoContextConfig = `apiVersion: v1
kind: Config
current-context: production
clusters:
- name: prod-cluster
  cluster:
    server: https://51.79.10.20:6443
- name: staging-cluster
  cluster:
    server: https://gra7.k8s.example.net:6443
users:
- name: prod-admin
  user:
    token: prod-token
contexts:
- name: production
  context:
    cluster: prod-cluster
    user: prod-admin
    namespace: workloads
- name: staging
  context:
    cluster: staging-cluster
    user: missing-user
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSkipsDanglingReferences(t *testing.T) {
	p := New(discardLogger(), "")
	contexts, err := p.Parse(twoContextConfig)
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(contexts) != 1 {
		t.Fatalf("expected 1 resolved context, got %d", len(contexts))
	}
	got := contexts[0]
	if got.Name != "production" {
		t.Fatalf("expected production context, got %q", got.Name)
	}
	if !got.IsCurrent {
		t.Fatal("expected production to be marked current")
	}
	if got.Namespace != "workloads" {
		t.Fatalf("unexpected namespace %q", got.Namespace)
	}
	if got.Token != "prod-token" {
		t.Fatalf("unexpected token %q", got.Token)
	}
	if got.Kubeconfig != twoContextConfig {
		t.Fatal("expected full source document to be carried on the record")
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	p := New(discardLogger(), "")
	for name, raw := range map[string]string{
		"wrong kind":   "apiVersion: v1\nkind: Secret\n",
		"not yaml":     "{{{{",
		"missing kind": "apiVersion: v1\nclusters: []\n",
	} {
		if _, err := p.Parse(raw); !errors.Is(err, ErrInvalidDocument) {
			t.Fatalf("%s: expected ErrInvalidDocument, got %v", name, err)
		}
	}
}

func TestRegionInference(t *testing.T) {
	cases := []struct {
		server string
		want   string
	}{
		{"https://51.79.10.20:6443", "eu-west-1"},
		{"https://139.99.4.1:6443", "ap-southeast-2"},
		{"https://10.0.0.1:6443", DefaultRegion},
		{"https://abc123.yl4.us-west-2.eks.amazonaws.com", "us-west-2"},
		{"https://gra7.k8s.example.net:6443", "gra7"},
		{"https://k8s.us-east.cloud.example.com", "us-east"},
		{"https://api.cluster.example.com", DefaultRegion},
		{"", DefaultRegion},
	}
	for _, tc := range cases {
		if got := Region(tc.server); got != tc.want {
			t.Fatalf("Region(%q) = %q, want %q", tc.server, got, tc.want)
		}
	}
}

func TestRegionHonorsConfiguredDefault(t *testing.T) {
	p := New(discardLogger(), "eu-central-1")
	if got := p.region("https://api.cluster.example.com"); got != "eu-central-1" {
		t.Fatalf("expected configured default, got %q", got)
	}
}

func TestProviderInference(t *testing.T) {
	cases := []struct {
		name   string
		server string
		want   string
	}{
		{"my-ovh-cluster", "https://51.79.10.20:6443", "ovh"},
		{"prod", "https://abc.eks.amazonaws.com", "aws"},
		{"gke-prod-1", "https://35.1.2.3", "gcp"},
		{"team-aks", "https://x.hcp.eastus.azmk8s.io", "azure"},
		{"doks-pool", "https://1.2.3.4", "digitalocean"},
		{"lke12345", "https://1.2.3.4", "linode"},
		{"homelab", "https://192.168.1.10:6443", "generic"},
	}
	for _, tc := range cases {
		if got := Provider(tc.name, tc.server); got != tc.want {
			t.Fatalf("Provider(%q, %q) = %q, want %q", tc.name, tc.server, got, tc.want)
		}
	}
}

func TestSingleContext(t *testing.T) {
	minted, err := SingleContext(twoContextConfig, "production")
	if err != nil {
		t.Fatalf("SingleContext returned error: %v", err)
	}
	p := New(discardLogger(), "")
	contexts, err := p.Parse(minted)
	if err != nil {
		t.Fatalf("Parse of minted document returned error: %v", err)
	}
	if len(contexts) != 1 || contexts[0].Name != "production" {
		t.Fatalf("unexpected minted contexts: %+v", contexts)
	}
	if !contexts[0].IsCurrent {
		t.Fatal("minted document should mark its only context current")
	}
	if strings.Contains(minted, "staging-cluster") {
		t.Fatal("minted document leaked an unrelated cluster")
	}
}

func TestSingleContextUnknownName(t *testing.T) {
	if _, err := SingleContext(twoContextConfig, "nope"); !errors.Is(err, ErrInvalidDocument) {
		t.Fatalf("expected ErrInvalidDocument, got %v", err)
	}
}

const singleContextConfig = `apiVersion: v1
kind: Config
current-context: only
clusters:
- name: only-cluster
  cluster:
    server: https://51.79.10.20:6443
users:
- name: only-user
  user:
    token: tok
contexts:
- name: only
  context:
    cluster: only-cluster
    user: only-user
`

func nodeList(n int) *corev1.NodeList {
	list := &corev1.NodeList{}
	for i := 0; i < n; i++ {
		list.Items = append(list.Items, corev1.Node{
			ObjectMeta: metav1.ObjectMeta{Name: fmt.Sprintf("node-%d", i)},
		})
	}
	return list
}

func TestValidateConnectivityReportsNodeCount(t *testing.T) {
	p := New(discardLogger(), "")
	p.clientFor = func([]byte) (kubernetes.Interface, error) {
		client := fake.NewClientset()
		client.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, k8sruntime.Object, error) {
			return true, nodeList(3), nil
		})
		return client, nil
	}
	result, err := p.ValidateConnectivity(context.Background(), singleContextConfig)
	if err != nil {
		t.Fatalf("ValidateConnectivity returned error: %v", err)
	}
	if !result.Valid {
		t.Fatalf("expected valid result: %+v", result)
	}
	if len(result.Contexts) != 1 || result.Contexts[0].NodeCount != 3 {
		t.Fatalf("unexpected contexts: %+v", result.Contexts)
	}
}

func TestValidateConnectivityNodeListFailureDegradesCountOnly(t *testing.T) {
	p := New(discardLogger(), "")
	p.clientFor = func([]byte) (kubernetes.Interface, error) {
		client := fake.NewClientset()
		client.PrependReactor("list", "nodes", func(k8stesting.Action) (bool, k8sruntime.Object, error) {
			return true, nil, errors.New("nodes is forbidden")
		})
		return client, nil
	}
	result, err := p.ValidateConnectivity(context.Background(), singleContextConfig)
	if err != nil {
		t.Fatalf("ValidateConnectivity returned error: %v", err)
	}
	if !result.Valid {
		t.Fatal("node list failure must not flip connectivity")
	}
	if result.Contexts[0].NodeCount != 1 {
		t.Fatalf("expected degraded node count 1, got %d", result.Contexts[0].NodeCount)
	}
}

func TestValidateConnectivityNamespaceFailureDisconnects(t *testing.T) {
	p := New(discardLogger(), "")
	p.clientFor = func([]byte) (kubernetes.Interface, error) {
		client := fake.NewClientset()
		client.PrependReactor("list", "namespaces", func(k8stesting.Action) (bool, k8sruntime.Object, error) {
			return true, nil, errors.New("connection refused")
		})
		return client, nil
	}
	result, err := p.ValidateConnectivity(context.Background(), singleContextConfig)
	if err != nil {
		t.Fatalf("ValidateConnectivity returned error: %v", err)
	}
	if result.Valid {
		t.Fatal("expected invalid result when namespace list fails")
	}
	if result.Contexts[0].Connected {
		t.Fatal("expected context to be reported disconnected")
	}
}
