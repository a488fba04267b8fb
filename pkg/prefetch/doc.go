// Package prefetch warms the cache ahead of going offline.
//
// A Warmer executes many request descriptors through the policy engine using a
// fixed worker pool, so that a later CacheOnly or CacheFirst lookup finds the
// data in the store even without connectivity.
//
// Example usage:
//
//	warmer := prefetch.NewWarmer(engine, prefetch.DefaultConfig())
//	results := warmer.WarmAll(ctx, []prefetch.Request{
//		{Descriptor: cache.RequestDescriptor{Path: "/categories"}, Transport: transport},
//	})
//
// The warmer:
//   - Spawns a worker pool (default 4 workers)
//   - Runs each request with its own policy (default NetworkFirst)
//   - Collects one Result per request, in request order
//   - Stops handing out work when the context is cancelled
package prefetch
