package deviceplugin

import (
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/project-akri/akri-agent/pkg/apis/akri"
)

func appendSlotAnnotation(resp *pluginapi.ContainerAllocateResponse, slotID string) {
	if resp.Annotations == nil {
		resp.Annotations = make(map[string]string)
	}
	if existing := resp.Annotations[akri.SlotAnnotationKey]; existing != "" {
		resp.Annotations[akri.SlotAnnotationKey] = existing + "," + slotID
		return
	}
	resp.Annotations[akri.SlotAnnotationKey] = slotID
}
