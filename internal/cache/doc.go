// Package cache provides LRU caching for blob store blocks.
//
// The ShardedLRUBlockCache fronts remote checkpoint stores (see
// blobstore.CachingStore). It spreads keys over 64 shards, each an
// LRUBlockCache with its own mutex. Memory held by cached blocks is charged
// to a resource.Controller when one is given, so cached checkpoint blocks and
// resident column buffers share one budget.
package cache
