// file: pkg/registrar/definition.go

package registrar

import (
	"fmt"
	"os"
	"strings"

	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/validation"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"sigs.k8s.io/yaml"
)

// Scope 是自定义资源的作用域。
type Scope string

const (
	Namespaced Scope = "Namespaced"
	Cluster    Scope = "Cluster"
)

// Definition 描述一个自定义资源定义 (CRD)。
// Registrar 只读取它，所有转换都基于深拷贝。
type Definition struct {
	// Name 必须等于 "<Plural>.<Group>"
	Name       string   `json:"name"`
	Group      string   `json:"group"`
	Version    string   `json:"version"`
	Kind       string   `json:"kind"`
	Plural     string   `json:"plural"`
	Singular   string   `json:"singular,omitempty"`
	ShortNames []string `json:"shortNames,omitempty"`
	Scope      Scope    `json:"scope"`

	// Schema 是 openAPIV3Schema，必须是结构化 schema。
	Schema *apiextensionsv1.JSONSchemaProps `json:"schema"`
}

// DeepCopy 返回一个不与 d 共享任何可变字段的副本。
func (d Definition) DeepCopy() Definition {
	out := d
	if d.ShortNames != nil {
		out.ShortNames = append([]string(nil), d.ShortNames...)
	}
	if d.Schema != nil {
		out.Schema = d.Schema.DeepCopy()
	}
	return out
}

// Validate 在发起任何网络请求之前检查定义。
func (d Definition) Validate() error {
	var errs field.ErrorList

	required := map[string]string{
		"name":    d.Name,
		"group":   d.Group,
		"version": d.Version,
		"kind":    d.Kind,
		"plural":  d.Plural,
	}
	for _, f := range []string{"name", "group", "version", "kind", "plural"} {
		if required[f] == "" {
			errs = append(errs, field.Required(field.NewPath(f), ""))
		}
	}

	if d.Plural != "" {
		for _, msg := range validation.IsDNS1035Label(d.Plural) {
			errs = append(errs, field.Invalid(field.NewPath("plural"), d.Plural, msg))
		}
	}
	if d.Group != "" {
		for _, msg := range validation.IsDNS1123Subdomain(d.Group) {
			errs = append(errs, field.Invalid(field.NewPath("group"), d.Group, msg))
		}
		if len(strings.Split(d.Group, ".")) < 2 {
			errs = append(errs, field.Invalid(field.NewPath("group"), d.Group, "should be a domain with at least one dot"))
		}
	}
	if d.Name != "" && d.Plural != "" && d.Group != "" {
		if want := d.Plural + "." + d.Group; d.Name != want {
			errs = append(errs, field.Invalid(field.NewPath("name"), d.Name, fmt.Sprintf("must be %q", want)))
		}
	}
	for i, s := range d.ShortNames {
		for _, msg := range validation.IsDNS1035Label(s) {
			errs = append(errs, field.Invalid(field.NewPath("shortNames").Index(i), s, msg))
		}
	}

	switch d.Scope {
	case Namespaced, Cluster:
	default:
		errs = append(errs, field.NotSupported(field.NewPath("scope"), d.Scope, []Scope{Namespaced, Cluster}))
	}

	if d.Schema == nil {
		errs = append(errs, field.Required(field.NewPath("schema"), ""))
	} else if d.Schema.Type != "object" {
		errs = append(errs, field.Invalid(field.NewPath("schema", "type"), d.Schema.Type, `root schema must be of type "object"`))
	}

	return errs.ToAggregate()
}

// CustomResourceDefinition 将定义转换为 apiextensions/v1 对象，只有一个 served+storage 版本。
func (d Definition) CustomResourceDefinition() *apiextensionsv1.CustomResourceDefinition {
	d = d.DeepCopy()
	return &apiextensionsv1.CustomResourceDefinition{
		ObjectMeta: metav1.ObjectMeta{
			Name: d.Name,
		},
		Spec: apiextensionsv1.CustomResourceDefinitionSpec{
			Group: d.Group,
			Names: apiextensionsv1.CustomResourceDefinitionNames{
				Plural:     d.Plural,
				Singular:   d.Singular,
				Kind:       d.Kind,
				ShortNames: d.ShortNames,
			},
			Scope: apiextensionsv1.ResourceScope(d.Scope),
			Versions: []apiextensionsv1.CustomResourceDefinitionVersion{
				{
					Name:    d.Version,
					Served:  true,
					Storage: true,
					Schema: &apiextensionsv1.CustomResourceValidation{
						OpenAPIV3Schema: d.Schema,
					},
				},
			},
		},
	}
}

// LoadFile 从 YAML 或 JSON 文件中读取一个 Definition。
func LoadFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}
	var def Definition
	if err := yaml.UnmarshalStrict(data, &def); err != nil {
		return Definition{}, fmt.Errorf("failed to parse definition file %s: %w", path, err)
	}
	return def, nil
}
