// Package app wires the analytics service together: the state store, the
// identity registry, the per-identity session actors, the shard sinks and
// the HTTP API.
//
// # Basic Usage
//
//	dir, _ := shard.Parse(`["https://a.example.com","https://b.example.com"]`)
//	a, err := app.New(app.Config{
//	    Shards:       dir,
//	    MainShardURL: "https://main.example.com",
//	    NATS:         app.NATSConfig{URL: "nats://127.0.0.1:4222"},
//	    HTTP:         app.HTTPConfig{Addr: ":8080"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() { _ = a.Run(ctx) }()
//
//	// Graceful shutdown flushes open buffers.
//	a.Close(ctx)
//
// Without NATS the registry counter and session state are kept in memory and
// do not survive a restart.
//
// # Sinks
//
// Shard URLs are dispatched by scheme: http and https shards receive Firebase
// Realtime Database REST writes, firestore://project/collection shards
// receive one document per event.
package app
