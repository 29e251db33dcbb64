// Package kv provides a small key-value store abstraction with TTL support.
//
// The service caches through Redis; kv exists so the cache layer can fall
// back to an in-process store with the same semantics when Redis is
// unreachable at startup.
//
// Example usage:
//
//	store := memory.New(time.Minute)
//	defer store.Close()
//
//	ctx := context.Background()
//	if err := store.Set(ctx, "key", []byte("value"), 10*time.Second); err != nil {
//		log.Fatal(err)
//	}
//
//	value, err := store.Get(ctx, "key")
//	if err != nil {
//		if errors.Is(err, kv.ErrNotFound) {
//			log.Println("key not found")
//		} else {
//			log.Fatal(err)
//		}
//	}
package kv
