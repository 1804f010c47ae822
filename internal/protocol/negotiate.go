package protocol

// Negotiate picks the version used on a channel.
//
// vs/vms are the server's current and oldest supported versions, vc/vmc the
// client's. Equal versions win outright; otherwise the older side's current
// version is used when the newer side still supports it.
func Negotiate(name string, vs, vms, vc, vmc int32) (int32, error) {
	switch {
	case vs == vc:
		return vs, nil
	case vs > vc && vc >= vms:
		return vc, nil
	case vc > vs && vs >= vmc:
		return vs, nil
	}
	return 0, &NegotiationError{
		Protocol:        name,
		ServerVersion:   vs,
		ServerSupported: vms,
		ClientVersion:   vc,
		ClientSupported: vmc,
	}
}
