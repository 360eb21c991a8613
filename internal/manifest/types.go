package manifest

// Minimal Kubernetes object shapes. Only the fields the renderer sets are
// modelled.

type objectMeta struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type object struct {
	APIVersion string     `yaml:"apiVersion"`
	Kind       string     `yaml:"kind"`
	Metadata   objectMeta `yaml:"metadata"`
	Spec       any        `yaml:"spec,omitempty"`
}

type labelSelector struct {
	MatchLabels map[string]string `yaml:"matchLabels"`
}

type deploymentSpec struct {
	Replicas int             `yaml:"replicas"`
	Selector labelSelector   `yaml:"selector"`
	Template podTemplateSpec `yaml:"template"`
}

type podTemplateSpec struct {
	Metadata objectMeta `yaml:"metadata"`
	Spec     podSpec    `yaml:"spec"`
}

type podSpec struct {
	Containers []containerSpec `yaml:"containers"`
	Volumes    []volume        `yaml:"volumes,omitempty"`
}

type containerSpec struct {
	Name         string        `yaml:"name"`
	Image        string        `yaml:"image"`
	Ports        []portSpec    `yaml:"ports"`
	Env          []envVar      `yaml:"env,omitempty"`
	VolumeMounts []volumeMount `yaml:"volumeMounts,omitempty"`
}

type portSpec struct {
	ContainerPort int `yaml:"containerPort"`
}

type envVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type volume struct {
	Name                  string    `yaml:"name"`
	PersistentVolumeClaim claimName `yaml:"persistentVolumeClaim"`
}

type claimName struct {
	ClaimName string `yaml:"claimName"`
}

type volumeMount struct {
	Name      string `yaml:"name"`
	MountPath string `yaml:"mountPath"`
}

type serviceSpec struct {
	Type     string            `yaml:"type"`
	Selector map[string]string `yaml:"selector"`
	Ports    []servicePort     `yaml:"ports"`
}

type servicePort struct {
	Port       int `yaml:"port"`
	TargetPort int `yaml:"targetPort"`
}

type pvcSpec struct {
	AccessModes []string     `yaml:"accessModes"`
	Resources   pvcResources `yaml:"resources"`
}

type pvcResources struct {
	Requests map[string]string `yaml:"requests"`
}
