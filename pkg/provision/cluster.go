package provision

import (
	"context"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

const (
	agentNamespace = "canopy-system"
	agentName      = "canopy-agent"
	agentImage     = "ghcr.io/canopyhq/agent:latest"
	ingressService = "canopy-ingress"
)

var (
	namespaceGVR = schema.GroupVersionResource{Version: "v1", Resource: "namespaces"}
	deployGVR    = schema.GroupVersionResource{Group: "apps", Version: "v1", Resource: "deployments"}
	serviceGVR   = schema.GroupVersionResource{Version: "v1", Resource: "services"}
)

// ClusterClient is what provisioning and the region sweep need from a
// cluster. Faked in tests.
type ClusterClient interface {
	// EnsureAgent installs the in-cluster agent if it is not already
	// there. Safe to call repeatedly.
	EnsureAgent(ctx context.Context) error
	// IngressHostname resolves the cluster's public ingress hostname.
	IngressHostname(ctx context.Context) (string, error)
	// Reachable reports whether the cluster API answers at all.
	Reachable(ctx context.Context) bool
}

// ClientFactory builds a ClusterClient for a region.
type ClientFactory func(region *types.Region) (ClusterClient, error)

// KubeconfigClient is the real ClusterClient, built from a region's
// stored kubeconfig.
type KubeconfigClient struct {
	dynamic dynamic.Interface
}

// NewKubeconfigClient parses a kubeconfig blob into a cluster client.
func NewKubeconfigClient(kubeconfig string) (*KubeconfigClient, error) {
	cfg, err := clientcmd.RESTConfigFromKubeConfig([]byte(kubeconfig))
	if err != nil {
		return nil, apierror.Permanent("invalid kubeconfig", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, apierror.Permanent("failed to build cluster client", err)
	}
	return &KubeconfigClient{dynamic: dyn}, nil
}

// ClientForRegion is the default ClientFactory.
func ClientForRegion(region *types.Region) (ClusterClient, error) {
	return NewKubeconfigClient(region.Kubeconfig)
}

// EnsureAgent creates the agent namespace and Deployment when absent.
// Existing objects are left untouched so repeat attaches are no-ops.
func (c *KubeconfigClient) EnsureAgent(ctx context.Context) error {
	ns := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "v1",
			"kind":       "Namespace",
			"metadata":   map[string]interface{}{"name": agentNamespace},
		},
	}
	if _, err := c.dynamic.Resource(namespaceGVR).Create(ctx, ns, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return apierror.Transient("failed to create agent namespace", err)
	}

	_, err := c.dynamic.Resource(deployGVR).Namespace(agentNamespace).Get(ctx, agentName, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !k8serrors.IsNotFound(err) {
		return apierror.Transient("failed to check agent deployment", err)
	}

	agent := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "apps/v1",
			"kind":       "Deployment",
			"metadata": map[string]interface{}{
				"name":      agentName,
				"namespace": agentNamespace,
			},
			"spec": map[string]interface{}{
				"replicas": int64(1),
				"selector": map[string]interface{}{
					"matchLabels": map[string]interface{}{"app": agentName},
				},
				"template": map[string]interface{}{
					"metadata": map[string]interface{}{
						"labels": map[string]interface{}{"app": agentName},
					},
					"spec": map[string]interface{}{
						"containers": []interface{}{
							map[string]interface{}{
								"name":  agentName,
								"image": agentImage,
							},
						},
					},
				},
			},
		},
	}
	if _, err := c.dynamic.Resource(deployGVR).Namespace(agentNamespace).Create(ctx, agent, metav1.CreateOptions{}); err != nil && !k8serrors.IsAlreadyExists(err) {
		return apierror.Transient("failed to install agent", err)
	}
	return nil
}

// IngressHostname reads the load-balancer hostname off the ingress
// service.
func (c *KubeconfigClient) IngressHostname(ctx context.Context) (string, error) {
	svc, err := c.dynamic.Resource(serviceGVR).Namespace(agentNamespace).Get(ctx, ingressService, metav1.GetOptions{})
	if err != nil {
		return "", apierror.Transient("failed to get ingress service", err)
	}
	ingresses, _, _ := unstructured.NestedSlice(svc.Object, "status", "loadBalancer", "ingress")
	for _, item := range ingresses {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if host, ok := entry["hostname"].(string); ok && host != "" {
			return host, nil
		}
		if ip, ok := entry["ip"].(string); ok && ip != "" {
			return ip, nil
		}
	}
	return "", apierror.Transient("ingress hostname not yet assigned", nil)
}

// Reachable probes the cluster by listing the agent namespace.
func (c *KubeconfigClient) Reachable(ctx context.Context) bool {
	_, err := c.dynamic.Resource(namespaceGVR).Get(ctx, agentNamespace, metav1.GetOptions{})
	return err == nil || k8serrors.IsNotFound(err)
}
