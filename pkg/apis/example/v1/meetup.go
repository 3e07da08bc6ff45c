// file: pkg/apis/example/v1/meetup.go

package v1

import (
	apiextensionsv1 "k8s.io/apiextensions-apiserver/pkg/apis/apiextensions/v1"

	"github.com/fx147/kube-notifier/pkg/registrar"
)

// MeetupDefinition 返回 meetups.example.com 的定义。
// `kube-notifier register` 在没有指定 --definition-file 时注册它。
func MeetupDefinition() registrar.Definition {
	return registrar.Definition{
		Name:       MeetupPlural + "." + GroupName,
		Group:      GroupName,
		Version:    SchemeGroupVersion.Version,
		Kind:       MeetupKind,
		Plural:     MeetupPlural,
		Singular:   MeetupSingular,
		ShortNames: []string{MeetupShort},
		Scope:      registrar.Namespaced,
		Schema:     meetupSchema(),
	}
}

// meetupSchema 描述 spec: {organizer, topic, attendees[]}。
func meetupSchema() *apiextensionsv1.JSONSchemaProps {
	str := apiextensionsv1.JSONSchemaProps{Type: "string"}
	return &apiextensionsv1.JSONSchemaProps{
		Type: "object",
		Properties: map[string]apiextensionsv1.JSONSchemaProps{
			"spec": {
				Type: "object",
				Properties: map[string]apiextensionsv1.JSONSchemaProps{
					"organizer": str,
					"topic":     str,
					"attendees": {
						Type: "array",
						Items: &apiextensionsv1.JSONSchemaPropsOrArray{
							Schema: &str,
						},
					},
				},
			},
		},
	}
}
