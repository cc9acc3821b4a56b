package kube

import (
	"context"
	"io"

	kubeapps "k8s.io/api/apps/v1"
	kubebatch "k8s.io/api/batch/v1"
	kubecore "k8s.io/api/core/v1"
	kubeapimeta "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	k8s "k8s.io/client-go/kubernetes"
)

// subset of k8s.Interface
type K8sClient interface {
	CreateNamespace(ctx context.Context, ns *kubecore.Namespace) (*kubecore.Namespace, error)
	GetNamespace(ctx context.Context, name string) (*kubecore.Namespace, error)
	FindNamespaces(ctx context.Context, labelSelector string) ([]kubecore.Namespace, error)
	DeleteNamespace(ctx context.Context, name string) error

	CreateService(ctx context.Context, namespace string, svc *kubecore.Service) (*kubecore.Service, error)
	DeleteService(ctx context.Context, namespace string, svcname string) error

	CreateDeployment(ctx context.Context, namespace string, depl *kubeapps.Deployment) (*kubeapps.Deployment, error)
	DeleteDeployment(ctx context.Context, namespace string, deplname string) error

	CreateJob(ctx context.Context, namespace string, spec *kubebatch.Job) (*kubebatch.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error

	FindPods(ctx context.Context, namespace string, labelSelector string) ([]kubecore.Pod, error)
	WatchPods(ctx context.Context, namespace string, labelSelector string, resourceVersion string) (watch.Interface, error)

	Log(ctx context.Context, namespace string, podname string, options *kubecore.PodLogOptions) (io.ReadCloser, error)
}

// A wrapper for the type k8s.Interface; because it does not prefer method chain-style invocations of that type.
type k8sClient struct {
	client k8s.Interface
}

// type check: k8sClient implements K8sClient
var _ K8sClient = &k8sClient{}

func WrapK8sClient(c k8s.Interface) K8sClient {
	return &k8sClient{client: c}
}

func (k *k8sClient) CreateNamespace(ctx context.Context, ns *kubecore.Namespace) (*kubecore.Namespace, error) {
	return k.client.CoreV1().Namespaces().Create(ctx, ns, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) GetNamespace(ctx context.Context, name string) (*kubecore.Namespace, error) {
	return k.client.CoreV1().Namespaces().Get(ctx, name, kubeapimeta.GetOptions{})
}

func (k *k8sClient) FindNamespaces(ctx context.Context, labelSelector string) ([]kubecore.Namespace, error) {
	resp, err := k.client.CoreV1().Namespaces().List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) DeleteNamespace(ctx context.Context, name string) error {
	background := kubeapimeta.DeletePropagationBackground
	return k.client.CoreV1().Namespaces().Delete(ctx, name, kubeapimeta.DeleteOptions{
		PropagationPolicy: &background,
	})
}

func (k *k8sClient) CreateService(ctx context.Context, namespace string, svc *kubecore.Service) (*kubecore.Service, error) {
	return k.client.CoreV1().Services(namespace).Create(ctx, svc, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) DeleteService(ctx context.Context, namespace string, svcname string) error {
	return k.client.CoreV1().Services(namespace).Delete(ctx, svcname, *kubeapimeta.NewDeleteOptions(0))
}

func (k *k8sClient) CreateDeployment(ctx context.Context, namespace string, depl *kubeapps.Deployment) (*kubeapps.Deployment, error) {
	return k.client.AppsV1().Deployments(namespace).Create(ctx, depl, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) DeleteDeployment(ctx context.Context, namespace string, deplname string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	return k.client.AppsV1().Deployments(namespace).Delete(ctx, deplname, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
}

func (k *k8sClient) CreateJob(ctx context.Context, namespace string, job *kubebatch.Job) (*kubebatch.Job, error) {
	return k.client.BatchV1().Jobs(namespace).Create(ctx, job, kubeapimeta.CreateOptions{})
}

func (k *k8sClient) DeleteJob(ctx context.Context, namespace string, name string) error {
	foreground := kubeapimeta.DeletePropagationForeground
	zero := int64(0)
	return k.client.BatchV1().Jobs(namespace).Delete(ctx, name, kubeapimeta.DeleteOptions{
		GracePeriodSeconds: &zero,
		PropagationPolicy:  &foreground,
	})
}

func (k *k8sClient) FindPods(ctx context.Context, namespace string, labelSelector string) ([]kubecore.Pod, error) {
	resp, err := k.client.CoreV1().Pods(namespace).List(ctx, kubeapimeta.ListOptions{
		LabelSelector: labelSelector,
	})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (k *k8sClient) WatchPods(ctx context.Context, namespace string, labelSelector string, resourceVersion string) (watch.Interface, error) {
	return k.client.CoreV1().Pods(namespace).Watch(ctx, kubeapimeta.ListOptions{
		LabelSelector:   labelSelector,
		ResourceVersion: resourceVersion,
	})
}

func (k *k8sClient) Log(ctx context.Context, namespace string, podname string, options *kubecore.PodLogOptions) (io.ReadCloser, error) {
	return k.client.
		CoreV1().
		Pods(namespace).
		GetLogs(podname, options).
		Stream(ctx)
}
