package backend

import (
	"context"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/canopyhq/canopy/pkg/apierror"
	"github.com/canopyhq/canopy/pkg/types"
)

var workloadGVR = schema.GroupVersionResource{
	Group:    "canopy.dev",
	Version:  "v1",
	Resource: "workloaddeployments",
}

const defaultNamespace = "canopy"

// KubernetesAdapter applies deployments as WorkloadDeployment custom
// resources; the in-cluster agent turns them into pods and writes back
// status.phase.
type KubernetesAdapter struct {
	dynamic   dynamic.Interface
	namespace string
}

// NewKubernetesAdapter builds an adapter from a kubeconfig path. An empty
// path means in-cluster configuration.
func NewKubernetesAdapter(kubeconfig, namespace string) (*KubernetesAdapter, error) {
	var (
		cfg *rest.Config
		err error
	)
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, apierror.Permanent("failed to load kubernetes config", err)
	}
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, apierror.Permanent("failed to build kubernetes client", err)
	}
	if namespace == "" {
		namespace = defaultNamespace
	}
	return &KubernetesAdapter{dynamic: dyn, namespace: namespace}, nil
}

// Create applies the workload resource. An existing resource is updated
// in place, so create is an upsert.
func (a *KubernetesAdapter) Create(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error) {
	return a.apply(ctx, d)
}

// Update applies new; Kubernetes reconciles the delta itself, so old is
// unused here.
func (a *KubernetesAdapter) Update(ctx context.Context, old, new *types.Deployment) (types.DeploymentStatus, error) {
	return a.apply(ctx, new)
}

func (a *KubernetesAdapter) apply(ctx context.Context, d *types.Deployment) (types.DeploymentStatus, error) {
	obj := buildWorkload(d, a.namespace)

	existing, err := a.dynamic.Resource(workloadGVR).Namespace(a.namespace).Get(ctx, d.ID, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		if _, err := a.dynamic.Resource(workloadGVR).Namespace(a.namespace).Create(ctx, obj, metav1.CreateOptions{}); err != nil {
			return "", classifyK8sErr("failed to create workload", err)
		}
		return types.DeploymentStatusDeploying, nil
	}
	if err != nil {
		return "", classifyK8sErr("failed to get workload", err)
	}

	obj.SetResourceVersion(existing.GetResourceVersion())
	if _, err := a.dynamic.Resource(workloadGVR).Namespace(a.namespace).Update(ctx, obj, metav1.UpdateOptions{}); err != nil {
		return "", classifyK8sErr("failed to update workload", err)
	}
	return types.DeploymentStatusDeploying, nil
}

// Delete removes the workload resource; a missing resource is
// AlreadyAbsent, not an error.
func (a *KubernetesAdapter) Delete(ctx context.Context, id string) (DeleteOutcome, error) {
	err := a.dynamic.Resource(workloadGVR).Namespace(a.namespace).Delete(ctx, id, metav1.DeleteOptions{})
	if k8serrors.IsNotFound(err) {
		return AlreadyAbsent, nil
	}
	if err != nil {
		return AlreadyAbsent, classifyK8sErr("failed to delete workload", err)
	}
	return Deleted, nil
}

// Get reads back the agent-reported phase, or nil when the resource does
// not exist.
func (a *KubernetesAdapter) Get(ctx context.Context, id string) (*Status, error) {
	obj, err := a.dynamic.Resource(workloadGVR).Namespace(a.namespace).Get(ctx, id, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, classifyK8sErr("failed to get workload", err)
	}
	phase, _, _ := unstructured.NestedString(obj.Object, "status", "phase")
	return &Status{ID: id, Status: phaseStatus(phase)}, nil
}

// List returns the IDs of every workload resource in the namespace.
func (a *KubernetesAdapter) List(ctx context.Context) ([]string, error) {
	list, err := a.dynamic.Resource(workloadGVR).Namespace(a.namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, classifyK8sErr("failed to list workloads", err)
	}
	var ids []string
	for _, item := range list.Items {
		ids = append(ids, item.GetName())
	}
	return ids, nil
}

func buildWorkload(d *types.Deployment, namespace string) *unstructured.Unstructured {
	var ports []interface{}
	for _, p := range d.Ports {
		ports = append(ports, map[string]interface{}{
			"port": int64(p.Port),
			"type": string(p.Type),
		})
	}
	var env []interface{}
	for _, e := range d.Env {
		entry := map[string]interface{}{"name": e.Name}
		if e.FromSecret != "" {
			entry["fromSecret"] = e.FromSecret
		} else {
			entry["value"] = e.Value
		}
		env = append(env, entry)
	}
	var volumes []interface{}
	for _, v := range d.Volumes {
		volumes = append(volumes, map[string]interface{}{
			"volumeId":  v.VolumeID,
			"mountPath": v.MountPath,
		})
	}

	spec := map[string]interface{}{
		"image":        d.Image(),
		"machineType":  d.MachineType,
		"minScale":     int64(d.MinScale),
		"maxScale":     int64(d.MaxScale),
		"desiredState": string(d.DesiredState),
	}
	if len(ports) > 0 {
		spec["ports"] = ports
	}
	if len(env) > 0 {
		spec["env"] = env
	}
	if len(volumes) > 0 {
		spec["volumes"] = volumes
	}
	if d.StartupProbe != nil {
		spec["startupProbe"] = map[string]interface{}{
			"port": int64(d.StartupProbe.Port),
			"path": d.StartupProbe.Path,
		}
	}
	if d.LivenessProbe != nil {
		spec["livenessProbe"] = map[string]interface{}{
			"port": int64(d.LivenessProbe.Port),
			"path": d.LivenessProbe.Path,
		}
	}

	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "canopy.dev/v1",
			"kind":       "WorkloadDeployment",
			"metadata": map[string]interface{}{
				"name":      d.ID,
				"namespace": namespace,
				"labels": map[string]interface{}{
					"canopy.dev/workspace": d.WorkspaceID,
					"canopy.dev/name":      d.Name,
				},
			},
			"spec": spec,
		},
	}
}

func phaseStatus(phase string) types.DeploymentStatus {
	switch phase {
	case "Running":
		return types.DeploymentStatusRunning
	case "Stopped":
		return types.DeploymentStatusStopped
	case "Errored":
		return types.DeploymentStatusErrored
	default:
		return types.DeploymentStatusDeploying
	}
}

// classifyK8sErr sorts API-server errors into the retry taxonomy.
func classifyK8sErr(message string, err error) error {
	switch {
	case k8serrors.IsInvalid(err), k8serrors.IsBadRequest(err), k8serrors.IsForbidden(err), k8serrors.IsUnauthorized(err):
		return apierror.Permanent(message, err)
	default:
		return apierror.Transient(message, err)
	}
}
