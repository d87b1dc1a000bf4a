package environment

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/utils/pointer"

	"github.com/mrgoonie/devpocket-server/internal/domain"
	"github.com/mrgoonie/devpocket-server/internal/service/cluster"
)

const (
	environmentIDLabel    = "devpocket.dev/environment-id"
	environmentUserLabel  = "devpocket.dev/user-id"
	workloadName          = "workspace"
	workloadContainerName = "workspace"
	workloadSSHPort       = 2222
)

func workloadLabels(env *domain.Environment) map[string]string {
	return map[string]string{
		environmentIDLabel:            env.ID,
		environmentUserLabel:          env.UserID,
		"app.kubernetes.io/name":      "workspace",
		"app.kubernetes.io/component": "environment",
	}
}

func (s Service) applyNamespace(ctx context.Context, conn *cluster.Conn, env *domain.Environment) error {
	desired := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   env.Namespace,
			Labels: workloadLabels(env),
		},
	}
	if _, err := conn.Clientset.CoreV1().Namespaces().Create(ctx, desired, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return nil
		}
		return fmt.Errorf("create namespace: %w", err)
	}
	return nil
}

func (s Service) applyDeployment(ctx context.Context, conn *cluster.Conn, env *domain.Environment, replicas int32) error {
	labels := workloadLabels(env)
	desired := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workloadName,
			Namespace: env.Namespace,
			Labels:    labels,
		},
		Spec: appsv1.DeploymentSpec{
			Replicas:             &replicas,
			RevisionHistoryLimit: pointer.Int32(1),
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{environmentIDLabel: env.ID},
			},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{workspaceContainer(env)},
				},
			},
		},
	}

	deployments := conn.Clientset.AppsV1().Deployments(env.Namespace)
	_, err := deployments.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create deployment: %w", err)
	}
	existing, getErr := deployments.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get deployment: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	if _, err := deployments.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update deployment: %w", err)
	}
	return nil
}

func (s Service) applyService(ctx context.Context, conn *cluster.Conn, env *domain.Environment) error {
	desired := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workloadName,
			Namespace: env.Namespace,
			Labels:    workloadLabels(env),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{environmentIDLabel: env.ID},
			Ports: []corev1.ServicePort{{
				Name:       "ssh",
				Port:       workloadSSHPort,
				TargetPort: intstr.FromInt(workloadSSHPort),
				Protocol:   corev1.ProtocolTCP,
			}},
		},
	}

	services := conn.Clientset.CoreV1().Services(env.Namespace)
	_, err := services.Create(ctx, desired, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create service: %w", err)
	}
	existing, getErr := services.Get(ctx, desired.Name, metav1.GetOptions{})
	if getErr != nil {
		return fmt.Errorf("get service: %w", getErr)
	}
	desired.ResourceVersion = existing.ResourceVersion
	desired.Spec.ClusterIP = existing.Spec.ClusterIP
	desired.Spec.ClusterIPs = existing.Spec.ClusterIPs
	if _, err := services.Update(ctx, desired, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	return nil
}

func (s Service) scaleWorkload(ctx context.Context, conn *cluster.Conn, env *domain.Environment, replicas int32) error {
	deployments := conn.Clientset.AppsV1().Deployments(env.Namespace)
	existing, err := deployments.Get(ctx, workloadName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment: %w", err)
	}
	existing.Spec.Replicas = &replicas
	if _, err := deployments.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("scale deployment: %w", err)
	}
	return nil
}

func (s Service) waitForReadyPod(ctx context.Context, conn *cluster.Conn, env *domain.Environment) (*corev1.Pod, error) {
	timeout := s.cfg.ReadinessTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	var readyPod *corev1.Pod
	err := wait.PollUntilContextTimeout(ctx, 2*time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		pods, err := conn.Clientset.CoreV1().Pods(env.Namespace).List(ctx, metav1.ListOptions{
			LabelSelector: labelSelector(env.ID),
		})
		if err != nil {
			return false, err
		}
		for _, pod := range pods.Items {
			if pod.Status.Phase == corev1.PodFailed {
				return false, fmt.Errorf("workspace pod failed: %s", podFailureMessage(&pod))
			}
			if pod.Status.Phase == corev1.PodRunning && isPodReady(&pod) {
				readyPod = pod.DeepCopy()
				return true, nil
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if readyPod == nil {
		return nil, fmt.Errorf("workspace pod not ready")
	}
	return readyPod, nil
}

func (s Service) podForEnvironment(ctx context.Context, conn *cluster.Conn, env *domain.Environment) (*corev1.Pod, error) {
	pods, err := conn.Clientset.CoreV1().Pods(env.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labelSelector(env.ID),
	})
	if err != nil {
		return nil, fmt.Errorf("list workspace pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("workspace pod not found")
	}
	return &pods.Items[0], nil
}

func workspaceContainer(env *domain.Environment) corev1.Container {
	return corev1.Container{
		Name:  workloadContainerName,
		Image: env.Image,
		// Keep the workspace alive; sessions attach via exec.
		Command: []string{"/bin/sh", "-c", "trap : TERM INT; sleep infinity & wait"},
		Ports: []corev1.ContainerPort{{
			Name:          "ssh",
			ContainerPort: workloadSSHPort,
		}},
		Env: []corev1.EnvVar{{
			Name:  "DEVPOCKET_ENVIRONMENT_ID",
			Value: env.ID,
		}},
		Resources: corev1.ResourceRequirements{
			Requests: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("100m"),
				corev1.ResourceMemory: resource.MustParse("256Mi"),
			},
			Limits: corev1.ResourceList{
				corev1.ResourceCPU:    resource.MustParse("1"),
				corev1.ResourceMemory: resource.MustParse("1Gi"),
			},
		},
	}
}

func labelSelector(environmentID string) string {
	return fmt.Sprintf("%s=%s", environmentIDLabel, environmentID)
}

func isPodReady(pod *corev1.Pod) bool {
	for _, cond := range pod.Status.Conditions {
		if cond.Type == corev1.PodReady {
			return cond.Status == corev1.ConditionTrue
		}
	}
	return false
}

func podFailureMessage(pod *corev1.Pod) string {
	if pod.Status.Message != "" {
		return pod.Status.Message
	}
	for _, s := range pod.Status.ContainerStatuses {
		if s.State.Waiting != nil && s.State.Waiting.Message != "" {
			return s.State.Waiting.Message
		}
		if s.State.Terminated != nil && s.State.Terminated.Message != "" {
			return s.State.Terminated.Message
		}
	}
	return pod.Status.Reason
}
