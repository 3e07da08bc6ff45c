// file: internal/kube/client.go

package kube

import (
	"fmt"
	"net"
	"time"

	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

const (
	// DialTimeout 限制建立 TCP 连接的时间。不设置 rest.Config.Timeout，那会把长连接的 watch 也切断。
	DialTimeout = 10 * time.Second
	userAgent   = "kube-notifier"
)

// Clients 是 kube-notifier 用到的所有集群客户端。
type Clients struct {
	Dynamic       dynamic.Interface
	APIExtensions apiextensionsclientset.Interface
}

// RESTConfig 按 kubectl 的规则加载配置：--kubeconfig、$KUBECONFIG、~/.kube/config，
// 都没有时回退到 in-cluster 配置。kubeContext 为空时使用 current-context。
func RESTConfig(kubeconfig, kubeContext string) (*rest.Config, error) {
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		rules.ExplicitPath = kubeconfig
	}
	overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}

	cfg, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load cluster configuration: %w", err)
	}

	cfg.Dial = (&net.Dialer{Timeout: DialTimeout, KeepAlive: 30 * time.Second}).DialContext
	cfg.UserAgent = rest.DefaultKubernetesUserAgent() + " " + userAgent
	return cfg, nil
}

// NewClients 使用同一个 rest.Config 创建所有客户端。
func NewClients(cfg *rest.Config) (*Clients, error) {
	dyn, err := dynamic.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}
	ext, err := apiextensionsclientset.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create apiextensions client: %w", err)
	}
	return &Clients{Dynamic: dyn, APIExtensions: ext}, nil
}
