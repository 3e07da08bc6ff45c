// file: pkg/apis/example/v1/register.go

package v1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

// GroupName 是 Meetup 所在的 API Group
const GroupName = "example.com"

// SchemeGroupVersion is group version used to register these objects.
var SchemeGroupVersion = schema.GroupVersion{Group: GroupName, Version: "v1"}

const (
	MeetupKind     = "Meetup"
	MeetupPlural   = "meetups"
	MeetupSingular = "meetup"
	MeetupShort    = "mtup"
)

// MeetupGVR 是 dynamic client 访问 Meetup 时使用的 GVR。
var MeetupGVR = SchemeGroupVersion.WithResource(MeetupPlural)
