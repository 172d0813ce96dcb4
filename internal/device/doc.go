// Package device maps configured AV hardware onto transport connections.
//
// A Registry is loaded from the devices section of config.yaml. Each entry
// becomes a Device whose Conn is the matching transport (TCP, UDP, multicast,
// SSH, serial or REST) with the entry's queue, command format and encoding
// settings applied.
//
//	reg := device.NewRegistry(logger)
//	if err := reg.Load(cfg.Devices); err != nil {
//	    return err
//	}
//	reg.Start()
//	defer reg.Close()
//
//	d, _ := reg.Get("projector-1")
//	d.Send(device.Command{Text: "%1POWR 1\r"})
package device
