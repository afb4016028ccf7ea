package commands

import (
	"strconv"

	"github.com/grandcat/zeroconf"
)

const mdnsService = "_blink._tcp"

// advertise announces the gateway on the local network. The returned func
// withdraws the announcement.
func advertise(port string) (func(), error) {
	portN, err := strconv.Atoi(port)
	if err != nil {
		return nil, err
	}

	server, err := zeroconf.Register(
		"blink",
		mdnsService,
		"local.",
		portN,
		[]string{"version=" + Version, "path=/ws/blink"},
		nil,
	)
	if err != nil {
		return nil, err
	}
	return server.Shutdown, nil
}
