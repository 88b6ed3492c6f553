// Package discovery finds NetworkTables servers with mDNS/DNS-SD.
//
// # NT4 Servers (_networktables._tcp)
//
// Robot controllers and simulators announce their NT4 server under this
// service type. Browse reports each instance once; addresses seen on
// several interfaces are merged into one Server:
//
//	b := discovery.NewMDNSBrowser(discovery.DefaultBrowserConfig())
//	defer b.Stop()
//	srv, err := b.Find(ctx)
//	if err == nil {
//		engine.Connect(ctx, srv.Address())
//	}
//
// # Web Bridge (_ntsync._tcp)
//
// A running ntsync daemon may announce its web bridge so dashboards on
// other machines can find it. TXT records carry ver (version), path (API
// prefix) and optionally robot (the configured NT4 address).
package discovery
