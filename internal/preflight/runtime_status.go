package preflight

// KernelProbe reports which kernel interfaces the daemon can drive on
// this host.
type KernelProbe struct {
	FuseDevice       bool
	CachefilesDevice bool
}

// ProbeKernel inspects the device nodes the daemon uses. Fuse mode needs
// /dev/fuse; fscache mode needs the cachefiles interface on top of that.
func ProbeKernel() KernelProbe {
	return KernelProbe{
		FuseDevice:       checkDevice("", fuseDevicePath).Passed,
		CachefilesDevice: checkDevice("", "/dev/cachefiles").Passed,
	}
}

// Detail renders a display-friendly summary for status UIs.
func (p KernelProbe) Detail() string {
	switch {
	case p.FuseDevice && p.CachefilesDevice:
		return "fuse and fscache available"
	case p.FuseDevice:
		return "fuse available, fscache missing"
	case p.CachefilesDevice:
		return "fscache available, fuse missing"
	default:
		return "no usable kernel interface (need /dev/fuse or /dev/cachefiles)"
	}
}
