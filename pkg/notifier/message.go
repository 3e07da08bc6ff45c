// file: pkg/notifier/message.go

package notifier

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	eventv1 "github.com/fx147/kube-notifier/pkg/apis/event/v1"
)

// Message 是发往 sink 的一条通知。
type Message struct {
	// ID 在同一条通知的多次重试之间保持不变，sink 可以据此去重。
	ID   string
	Text string
}

// BuildMessage 将变更事件转换为人类可读的通知，例如：
//
//	Pod update: default/nginx (phase=Running, rv=1234)
func BuildMessage(ev eventv1.ChangeEvent) Message {
	var verb string
	switch ev.Type {
	case eventv1.Added:
		verb = "added"
	case eventv1.Modified:
		verb = "update"
	case eventv1.Deleted:
		verb = "deleted"
	default:
		verb = strings.ToLower(string(ev.Type))
	}

	name := ev.Ref.Name
	if ev.Ref.Namespace != "" {
		name = ev.Ref.Namespace + "/" + name
	}

	var details []string
	if ev.Object != nil {
		if phase, found, _ := unstructured.NestedString(ev.Object.Object, "status", "phase"); found && phase != "" {
			details = append(details, "phase="+phase)
		}
	}
	if ev.Ref.ResourceVersion != "" {
		details = append(details, "rv="+ev.Ref.ResourceVersion)
	}

	text := fmt.Sprintf("%s %s: %s", ev.Ref.Kind, verb, name)
	if len(details) > 0 {
		text += " (" + strings.Join(details, ", ") + ")"
	}

	return Message{
		ID:   uuid.NewString(),
		Text: text,
	}
}
