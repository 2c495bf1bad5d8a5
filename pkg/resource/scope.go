package resource

// clusterScopedKinds lists the kinds that never carry a namespace. Used to
// decide whether a document without metadata.namespace should inherit the
// application's destination namespace.
var clusterScopedKinds = map[string]bool{
	"Namespace":                      true,
	"Node":                           true,
	"PersistentVolume":               true,
	"ClusterRole":                    true,
	"ClusterRoleBinding":             true,
	"CustomResourceDefinition":       true,
	"StorageClass":                   true,
	"VolumeSnapshotClass":            true,
	"IngressClass":                   true,
	"PriorityClass":                  true,
	"RuntimeClass":                   true,
	"MutatingWebhookConfiguration":   true,
	"ValidatingWebhookConfiguration": true,
	"APIService":                     true,
	"CSIDriver":                      true,
	"CSINode":                        true,
}

// ClusterScoped reports whether kind is cluster-scoped. Unknown kinds are
// assumed namespaced, which is the common case for CRDs.
func ClusterScoped(kind string) bool {
	return clusterScopedKinds[kind]
}
