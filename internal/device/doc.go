// Package device persists the Wemo devices the bridge has connected to.
//
// Each record holds what is needed to reconnect a device after a restart
// without waiting for discovery (host, port, device type) plus the last
// known attribute state and health. Bridged sub-devices behind a hub carry
// the hub's id in HubID.
//
// # Key Types
//
//   - Device: one persisted record
//   - Repository: persistence interface, implemented by SQLiteRepository
//   - Registry: cached, thread-safe front for a Repository
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db.DB)
//	reg := device.NewRegistry(repo)
//	reg.SetLogger(log)
//	if err := reg.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	_ = reg.SaveDevice(ctx, &device.Device{ID: udn, Host: "10.0.0.5", Port: 49153})
//	_ = reg.SetDeviceState(ctx, udn, device.State{"on": true})
package device
