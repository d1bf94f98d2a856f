package store_test

import (
	"testing"

	"evtcore/eventing/store"
	"evtcore/eventing/store/storetest"
)

func TestMemoryEventStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.IEventStore {
		return store.NewMemoryEventStore()
	})
}
