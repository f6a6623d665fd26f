package provider

// Backend numeric-ID conventions. Templates and instances draw from
// disjoint ranges so the two pools cannot collide by ID. VMID 100 is the
// designated root template every imported image is cloned from; it is never
// deleted, not even by a hard reset.
const (
	RootVMID = 100

	MinTemplateVMID = 101
	MaxTemplateVMID = 1000

	MinInstanceVMID = 1001
	MaxInstanceVMID = 10000
)
