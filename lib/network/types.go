package network

// Allocation is the per-VM network identity minted by Setup: a unique /24
// subnet and TAP device name (§3, §4.3).
type Allocation struct {
	VMName string
	Subnet string // dotted "A.B.C" prefix; host is .1, guest is .2
	Tap    string // kernel interface name, <=15 bytes
}

// GatewayIP returns the host-side address of the allocation's subnet.
func (a Allocation) GatewayIP() string { return a.Subnet + ".1" }

// GuestIP returns the deterministic guest address of the allocation's subnet.
func (a Allocation) GuestIP() string { return a.Subnet + ".2" }
