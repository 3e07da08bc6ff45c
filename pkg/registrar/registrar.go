// file: pkg/registrar/registrar.go

package registrar

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	apiextensionsclientset "k8s.io/apiextensions-apiserver/pkg/client/clientset/clientset"
	"k8s.io/apimachinery/pkg/api/equality"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// DefaultBackoff 用于 Transport 错误的重试。
var DefaultBackoff = wait.Backoff{
	Steps:    5,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// Registrar 确保一个 CRD 存在于集群中。它不保存任何状态。
type Registrar struct {
	client  apiextensionsclientset.Interface
	backoff wait.Backoff
}

type Option func(*Registrar)

// WithBackoff 覆盖 Transport 错误的重试策略。
func WithBackoff(b wait.Backoff) Option {
	return func(r *Registrar) {
		r.backoff = b
	}
}

func New(client apiextensionsclientset.Interface, opts ...Option) *Registrar {
	r := &Registrar{
		client:  client,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ensure 幂等地创建 def。
//
// 已经存在且内容一致视为成功；已经存在但内容不同返回 Rejected，不会覆盖。
// API Server 的校验失败返回 Rejected，不重试；其余错误按 backoff 重试，耗尽后返回 Transport。
func (r *Registrar) Ensure(ctx context.Context, def Definition) error {
	if err := def.Validate(); err != nil {
		return &Error{Type: InvalidDefinition, Reason: fmt.Sprintf("definition %q is invalid: %v", def.Name, err), Err: err}
	}

	desired := def.CustomResourceDefinition()

	// 退避期间响应 ctx 取消
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, r.backoff, func(ctx context.Context) (bool, error) {
		err := r.create(ctx, def.Name, desired)
		switch {
		case err == nil:
			return true, nil
		case retriable(err):
			lastErr = err
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = &Error{Type: Transport, Reason: "interrupted while ensuring definition", Err: ctx.Err()}
		case wait.Interrupted(err) && lastErr != nil:
			// 重试次数耗尽，返回最后一次的错误
			err = lastErr
		case TypeForError(err) == "":
			err = &Error{Type: Transport, Err: err}
		}
		klog.ErrorS(err, "Failed to ensure custom resource definition", "name", def.Name)
		return err
	}
	return nil
}

func (r *Registrar) create(ctx context.Context, name string, desired *apiextensionsv1.CustomResourceDefinition) error {
	_, err := r.client.ApiextensionsV1().CustomResourceDefinitions().Create(ctx, desired, metav1.CreateOptions{})
	switch {
	case err == nil:
		klog.InfoS("Created custom resource definition", "name", name)
		return nil
	case apierrors.IsAlreadyExists(err):
		return r.compareExisting(ctx, desired)
	default:
		return classify(err)
	}
}

// compareExisting 在 AlreadyExists 之后读取集群中的定义，并与期望的定义比较。
func (r *Registrar) compareExisting(ctx context.Context, desired *apiextensionsv1.CustomResourceDefinition) error {
	existing, err := r.client.ApiextensionsV1().CustomResourceDefinitions().Get(ctx, desired.Name, metav1.GetOptions{})
	if err != nil {
		// 创建和读取之间被删除了，下一轮重试会重新创建
		if apierrors.IsNotFound(err) {
			return &Error{Type: Transport, Reason: fmt.Sprintf("definition %q disappeared after AlreadyExists", desired.Name), Err: err}
		}
		return classify(err)
	}

	if diffs := differences(existing, desired); len(diffs) > 0 {
		return &Error{
			Type:   Rejected,
			Reason: fmt.Sprintf("existing definition %q differs: %s", desired.Name, strings.Join(diffs, ", ")),
		}
	}
	klog.InfoS("Custom resource definition already exists", "name", desired.Name)
	return nil
}

// differences 返回 existing 与 desired 不一致的字段。只比较定义本身声明的字段。
func differences(existing, desired *apiextensionsv1.CustomResourceDefinition) []string {
	var diffs []string
	if existing.Spec.Group != desired.Spec.Group {
		diffs = append(diffs, "spec.group")
	}
	if existing.Spec.Scope != desired.Spec.Scope {
		diffs = append(diffs, "spec.scope")
	}
	en, dn := existing.Spec.Names, desired.Spec.Names
	if en.Kind != dn.Kind {
		diffs = append(diffs, "spec.names.kind")
	}
	if en.Plural != dn.Plural {
		diffs = append(diffs, "spec.names.plural")
	}
	if dn.Singular != "" && en.Singular != dn.Singular {
		diffs = append(diffs, "spec.names.singular")
	}
	if !equality.Semantic.DeepEqual(en.ShortNames, dn.ShortNames) {
		diffs = append(diffs, "spec.names.shortNames")
	}

	want := desired.Spec.Versions[0]
	var got *apiextensionsv1.CustomResourceDefinitionVersion
	for i := range existing.Spec.Versions {
		if existing.Spec.Versions[i].Name == want.Name {
			got = &existing.Spec.Versions[i]
			break
		}
	}
	switch {
	case got == nil:
		diffs = append(diffs, fmt.Sprintf("version %s not found", want.Name))
	case got.Schema == nil || !equality.Semantic.DeepEqual(got.Schema.OpenAPIV3Schema, want.Schema.OpenAPIV3Schema):
		diffs = append(diffs, fmt.Sprintf("schema of version %s", want.Name))
	}
	return diffs
}

// classify 将 API 错误映射为 Rejected 或 Transport。
func classify(err error) error {
	switch {
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return &Error{Type: Rejected, Reason: err.Error(), Err: err}
	default:
		return &Error{Type: Transport, Err: err}
	}
}

func retriable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return IsTransport(err)
}
