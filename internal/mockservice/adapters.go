package mockservice

import (
	"slices"

	psnet "github.com/shirou/gopsutil/net"

	"github.com/g960059/tunnelctl/internal/model"
)

// HostAdapters lists the machine's interfaces with their addresses.
func HostAdapters() ([]model.NetworkAdapter, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]model.NetworkAdapter, 0, len(ifaces))
	for _, iface := range ifaces {
		a := model.NetworkAdapter{
			Name: iface.Name,
			Up:   slices.Contains(iface.Flags, "up"),
		}
		for _, addr := range iface.Addrs {
			a.Addresses = append(a.Addresses, addr.Addr)
		}
		out = append(out, a)
	}
	return out, nil
}
