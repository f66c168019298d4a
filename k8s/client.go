package k8s

import (
	"context"
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// SecretRef points at one key of a Kubernetes Secret.
type SecretRef struct {
	Namespace string `yaml:"namespace"`
	Name      string `yaml:"name"`
	Key       string `yaml:"key"`
}

// IsZero reports whether the reference is unset.
func (r SecretRef) IsZero() bool {
	return r.Name == "" && r.Key == ""
}

func (r SecretRef) String() string {
	return fmt.Sprintf("%s/%s[%s]", r.Namespace, r.Name, r.Key)
}

// Client reads credentials from Kubernetes Secrets
type Client struct {
	clientset        kubernetes.Interface
	defaultNamespace string
}

// NewClient creates a new Kubernetes client
func NewClient(clientset kubernetes.Interface, defaultNamespace string) *Client {
	if defaultNamespace == "" {
		defaultNamespace = "default"
	}
	return &Client{
		clientset:        clientset,
		defaultNamespace: defaultNamespace,
	}
}

// NewClientFromKubeconfig builds a client from a kubeconfig path, or from the
// in-cluster service account when the path is empty.
func NewClientFromKubeconfig(kubeconfig, defaultNamespace string) (*Client, error) {
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
		return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
	}

	clientset, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes clientset: %w", err)
	}
	return NewClient(clientset, defaultNamespace), nil
}

// SecretData returns every key of a Secret.
func (c *Client) SecretData(ctx context.Context, namespace, name string) (map[string]string, error) {
	if namespace == "" {
		namespace = c.defaultNamespace
	}
	secret, err := c.clientset.CoreV1().Secrets(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("secret %s/%s not found", namespace, name)
		}
		return nil, fmt.Errorf("failed to get secret %s/%s: %w", namespace, name, err)
	}

	out := make(map[string]string, len(secret.Data)+len(secret.StringData))
	for k, v := range secret.Data {
		out[k] = string(v)
	}
	for k, v := range secret.StringData {
		out[k] = v
	}
	return out, nil
}

// SecretValue resolves a single reference. Empty values are an error.
func (c *Client) SecretValue(ctx context.Context, ref SecretRef) (string, error) {
	if ref.Name == "" || ref.Key == "" {
		return "", fmt.Errorf("secret reference %s needs both name and key", ref)
	}
	data, err := c.SecretData(ctx, ref.Namespace, ref.Name)
	if err != nil {
		return "", err
	}
	v := strings.TrimSpace(data[ref.Key])
	if v == "" {
		return "", fmt.Errorf("secret %s/%s has no value for key %q", ref.Namespace, ref.Name, ref.Key)
	}
	return v, nil
}
